package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/domlink/internal/constants"
)

// Socket is one open transport.
type Socket interface {
	// ReadMessage blocks for the next frame. It returns an error once the
	// socket is closed by either side.
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	// Close sends a close frame with code and reason, then releases the
	// underlying connection.
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WebSocketDialer is the production Dialer backed by gorilla/websocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewWebSocketDialer returns a dialer with the default handshake and write
// timeouts.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  constants.WebSocketHandshakeTimeout,
			EnableCompression: true,
		},
		WriteTimeout: constants.WebSocketWriteTimeout,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = constants.WebSocketWriteTimeout
	}
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsSocket) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(constants.WebSocketCloseTimeout))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// isNormalClose reports whether err marks an orderly shutdown.
func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, io.EOF)
}
