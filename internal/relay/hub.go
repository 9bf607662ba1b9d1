// Package relay is the server side of the command channel: agents connect
// over WebSocket, operators queue commands over HTTP and collect results.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/observability"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/validate"
	"github.com/nupi-ai/domlink/internal/version"
)

// Category tags relay entries on the bus.
const Category = "relay"

// AgentInfo describes a connected agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId,omitempty"`
	Version     string    `json:"version,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// agentConn is one connected agent.
type agentConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu   sync.RWMutex
	info AgentInfo
}

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as a bearer token on every request.
	Token  string
	Bus    *logbus.Bus
	Logger *zap.Logger
	// OriginAllowed validates the Origin header of upgrade requests. Nil
	// accepts requests without an Origin and loopback origins.
	OriginAllowed func(origin string) bool
	// ResultBacklog bounds the number of stored results.
	ResultBacklog int
}

// Server fans queued commands out to every agent and records the results
// they report.
type Server struct {
	opts     Options
	logger   *zap.Logger
	clients  map[*agentConn]bool
	results  *resultStore
	upgrader websocket.Upgrader
	mu       sync.RWMutex

	exporter *observability.PrometheusExporter
	queued   atomic.Uint64
	statusMu sync.Mutex
	statuses map[protocol.Status]uint64

	register   chan *agentConn
	unregister chan *agentConn
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
}

// ErrClosed is returned by Enqueue once the hub stopped.
var ErrClosed = errors.New("relay: server closed")

// NewServer creates a hub. Call Run before serving requests.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backlog := opts.ResultBacklog
	if backlog <= 0 {
		backlog = constants.RelayResultBacklog
	}
	originAllowed := opts.OriginAllowed
	if originAllowed == nil {
		originAllowed = isLoopbackOrigin
	}
	s := &Server{
		opts:       opts,
		logger:     logger,
		clients:    make(map[*agentConn]bool),
		results:    newResultStore(backlog),
		register:   make(chan *agentConn),
		unregister: make(chan *agentConn),
		broadcast:  make(chan []byte, constants.ClientSendBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return originAllowed(origin)
			},
		},
		statuses: make(map[protocol.Status]uint64),
	}

	counter := observability.NewEntryCounter()
	opts.Bus.Subscribe(counter.Observe)
	s.exporter = observability.NewPrometheusExporter(counter)
	s.exporter.WithRelay(s)
	return s
}

// Metrics implements observability.RelayMetricsProvider.
func (s *Server) Metrics() observability.RelayMetrics {
	s.statusMu.Lock()
	results := make(map[protocol.Status]uint64, len(s.statuses))
	for k, v := range s.statuses {
		results[k] = v
	}
	s.statusMu.Unlock()
	return observability.RelayMetrics{
		Agents:         s.ClientCount(),
		CommandsQueued: s.queued.Load(),
		StoredResults:  s.results.len(),
		Results:        results,
	}
}

// ClientCount returns the number of connected agents.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Agents lists connected agents ordered by connection time.
func (s *Server) Agents() []AgentInfo {
	s.mu.RLock()
	out := make([]AgentInfo, 0, len(s.clients))
	for c := range s.clients {
		c.mu.RLock()
		out = append(out, c.info)
		c.mu.RUnlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Run is the hub event loop. It returns when ctx is done, closing every
// client.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stopOnce.Do(func() { close(s.done) })
			s.mu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()

		case message := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				select {
				case client.send <- message:
				default:
					s.logger.Warn("agent send buffer full; dropping command", zap.String("client", client.id))
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Enqueue fills in the request id and timestamp when missing and
// broadcasts the command to every agent. It returns the stored payload and
// the number of agents connected at the time.
func (s *Server) Enqueue(ctx context.Context, payload protocol.CommandPayload) (protocol.CommandPayload, int, error) {
	if payload.RequestID == "" {
		payload.RequestID = uuid.NewString()
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = protocol.NowMillis()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return payload, 0, err
	}
	select {
	case s.broadcast <- data:
	case <-s.done:
		return payload, 0, ErrClosed
	case <-ctx.Done():
		return payload, 0, ctx.Err()
	}
	s.queued.Add(1)
	s.opts.Bus.Info(Category, "Queued "+payload.Command, map[string]any{
		"requestId": payload.RequestID,
		"elementId": payload.ElementID,
	})
	return payload, s.ClientCount(), nil
}

// Result returns the stored result for requestID.
func (s *Server) Result(requestID string) (protocol.CommandResult, bool) {
	return s.results.get(requestID)
}

// WaitResult blocks until a result for requestID is recorded or ctx ends.
func (s *Server) WaitResult(ctx context.Context, requestID string) (protocol.CommandResult, bool) {
	return s.results.wait(ctx, requestID)
}

// HandleWebSocket upgrades an agent connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &agentConn{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, constants.ClientSendBuffer),
		server: s,
	}
	client.info = AgentInfo{ID: client.id, RemoteAddr: r.RemoteAddr, ConnectedAt: time.Now()}

	select {
	case s.register <- client:
	case <-s.done:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
		conn.Close()
		return
	}
	s.opts.Bus.Info(Category, "Agent connected from "+r.RemoteAddr, map[string]any{"client": client.id})

	go client.writePump()
	go client.readPump()
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.opts.Token
}

func (s *Server) handleFrame(c *agentConn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameHello:
		if frame.AgentID != "" && !validate.Ident(frame.AgentID) {
			s.opts.Bus.Warn(Category, "Agent announced an invalid id", map[string]any{"client": c.id})
			frame.AgentID = ""
		}
		c.mu.Lock()
		c.info.AgentID = frame.AgentID
		c.info.Version = frame.Version
		c.mu.Unlock()
		s.opts.Bus.Info(Category, "Agent "+frame.AgentID+" ready", map[string]any{
			"client":  c.id,
			"version": frame.Version,
		})
		if warning := version.Mismatch("agent "+frame.AgentID, frame.Version); warning != "" {
			s.opts.Bus.Warn(Category, warning, map[string]any{"client": c.id})
		}
	case protocol.FrameResult:
		if frame.Result == nil {
			return
		}
		s.statusMu.Lock()
		s.statuses[frame.Result.Status]++
		s.statusMu.Unlock()
		s.opts.Bus.LogResult(Category, *frame.Result)
		// Stored last so waiters observe the logged entry and counters.
		s.results.put(*frame.Result)
	default:
		s.logger.Debug("ignoring agent frame", zap.String("type", frame.Type), zap.String("client", c.id))
	}
}

func (c *agentConn) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
		c.server.opts.Bus.Info(Category, "Agent disconnected", map[string]any{"client": c.id})
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("agent connection error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.server.logger.Warn("invalid agent frame", zap.String("client", c.id), zap.Error(err))
			continue
		}
		c.server.handleFrame(c, frame)
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isLoopbackOrigin(origin string) bool {
	return validate.HTTPURL(origin) == nil && validate.IsLoopbackURL(origin)
}
