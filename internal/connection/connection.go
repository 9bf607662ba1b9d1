// Package connection owns the agent's persistent socket to the relay and
// drives the reconnection state machine around it.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/backoff"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// Category tags every bus entry written by this package.
const Category = "connection"

// Scheduler runs fn after d and returns a function cancelling it.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

func timeScheduler(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Options configures a Connection.
type Options struct {
	URL string
	// Delays overrides the backoff schedule.
	Delays []time.Duration
	// IsOnline reports host network availability. Nil means always online.
	IsOnline func() bool
	Dialer   Dialer
	Bus      *logbus.Bus
	Logger   *zap.Logger
	// OnCommand receives accepted commands before any subscriber.
	OnCommand func(protocol.CommandPayload)
	OnError   func(protocol.CommandResult)
	OnStatus  func(State)
	Header    http.Header
	// Token is sent as a bearer Authorization header.
	Token     string
	Scheduler Scheduler
}

// SendError reports a frame that could not be written. Result carries the
// error result that was logged and broadcast to error subscribers.
type SendError struct {
	Result protocol.CommandResult
	Err    error
}

func (e *SendError) Error() string { return e.Result.Details }

func (e *SendError) Unwrap() error { return e.Err }

// Connection manages one logical socket at a time.
type Connection struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	socket     Socket
	gen        uint64
	manual     bool
	attempt    int
	timerToken uint64
	stopTimer  func() bool
	cancelDial context.CancelFunc

	nextSub     uint64
	statusSubs  map[uint64]func(State)
	commandSubs map[uint64]func(protocol.CommandPayload)
	errorSubs   map[uint64]func(protocol.CommandResult)

	// emitMu serialises deliveries so subscribers observe transitions in
	// the order they were made.
	emitMu sync.Mutex
	wg     sync.WaitGroup
}

// New returns an offline connection. Nothing is dialled until Connect.
func New(opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timeScheduler
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		opts:        opts,
		logger:      logger,
		state:       State{Status: StatusOffline},
		statusSubs:  make(map[uint64]func(State)),
		commandSubs: make(map[uint64]func(protocol.CommandPayload)),
		errorSubs:   make(map[uint64]func(protocol.CommandResult)),
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the configured endpoint.
func (c *Connection) URL() string {
	return c.opts.URL
}

// Connect opens a fresh socket, replacing any previous one. It clears a
// prior manual disconnect and cancels a pending retry.
func (c *Connection) Connect() {
	c.mu.Lock()
	c.manual = false
	c.open()
}

// open runs the socket-open path. c.mu must be held; it is released.
func (c *Connection) open() {
	c.cancelRetryLocked()
	old := c.detachSocketLocked()
	gen := c.gen

	if !c.online() {
		delay, attempt := c.scheduleRetryLocked()
		c.state = State{Status: StatusOffline, RetryCount: c.state.RetryCount, LastError: ErrHostOffline}
		st := c.state
		c.emitLocked(notice{
			state: &st,
			logs: []logbus.Entry{{
				Severity: logbus.SeverityWarning,
				Category: Category,
				Message:  fmt.Sprintf("Host offline; retrying in %dms (attempt %d)", delay.Milliseconds(), attempt),
			}},
		})
		closeSocket(old, "reconnect")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.state = State{Status: StatusConnecting, RetryCount: c.state.RetryCount}
	st := c.state
	c.wg.Add(1)
	c.emitLocked(notice{
		state: &st,
		logs:  []logbus.Entry{{Severity: logbus.SeverityDebug, Category: Category, Message: "Connecting to " + c.opts.URL}},
	})
	closeSocket(old, "reconnect")

	go c.dial(ctx, gen)
}

func (c *Connection) dial(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.header())

	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		if sock != nil {
			closeSocket(sock, "superseded")
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if err != nil {
		res := protocol.NewResult(protocol.StatusError, protocol.SourceConnection, "",
			fmt.Sprintf("Failed to open connection to %s: %v", c.opts.URL, err))
		c.logger.Warn("dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.reconnectLocked(err, res)
		return
	}

	c.socket = sock
	c.attempt = 0
	c.state = State{Status: StatusConnected}
	st := c.state
	c.wg.Add(1)
	go c.readLoop(gen, sock)
	c.emitLocked(notice{
		state: &st,
		logs:  []logbus.Entry{{Severity: logbus.SeverityInfo, Category: Category, Message: "Connected to " + c.opts.URL}},
	})
}

func (c *Connection) readLoop(gen uint64, sock Socket) {
	defer c.wg.Done()
	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			c.handleClosed(gen, sock, err)
			return
		}
		if !c.current(gen) {
			return
		}
		if messageType != websocket.TextMessage {
			c.opts.Bus.Warn(Category, "Unhandled message: binary frame", map[string]any{"bytes": len(data)})
			continue
		}
		c.handleMessage(data)
	}
}

func (c *Connection) handleMessage(data []byte) {
	payload, reason, err := protocol.DecodeCommand(data)
	if err != nil {
		c.opts.Bus.Warn(Category, "Unhandled message: invalid JSON", map[string]any{"raw": truncate(string(data), 256), "error": err.Error()})
		return
	}
	if reason != "" {
		c.opts.Bus.Warn(Category, "Unhandled message: "+reason, map[string]any{"raw": truncate(string(data), 256)})
		return
	}

	c.opts.Bus.Debug(Category, "Received command "+payload.Command, map[string]any{"requestId": payload.RequestID})
	if c.opts.OnCommand != nil {
		c.safeCall("OnCommand", func() { c.opts.OnCommand(payload) })
	}
	c.mu.Lock()
	subs := sortedSubs(c.commandSubs)
	c.mu.Unlock()
	for _, fn := range subs {
		fn := fn
		c.safeCall("command subscriber", func() { fn(payload) })
	}
}

func (c *Connection) handleClosed(gen uint64, sock Socket, err error) {
	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.gen++

	var details string
	if isNormalClose(err) {
		details = "Connection closed by server"
		if ce, ok := err.(*websocket.CloseError); ok {
			details = fmt.Sprintf("Connection closed by server (code %d)", ce.Code)
		}
	} else {
		details = fmt.Sprintf("Connection error: %v", err)
	}
	res := protocol.NewResult(protocol.StatusError, protocol.SourceConnection, "", details)
	c.reconnectLocked(err, res)
	closeSocket(sock, "closed")
}

// reconnectLocked reports res and schedules the next attempt. c.mu must be
// held; it is released.
func (c *Connection) reconnectLocked(cause error, res protocol.CommandResult) {
	logs := []logbus.Entry{{Severity: logbus.SeverityError, Category: Category, Message: res.Details, Result: &res}}

	delay, attempt := c.scheduleRetryLocked()
	if c.online() {
		c.state = State{Status: StatusReconnecting, RetryCount: attempt, LastError: cause}
		logs = append(logs, logbus.Entry{
			Severity: logbus.SeverityInfo,
			Category: Category,
			Message:  fmt.Sprintf("Reconnecting in %dms (attempt %d)", delay.Milliseconds(), attempt),
		})
	} else {
		c.state = State{Status: StatusOffline, RetryCount: attempt, LastError: cause}
		logs = append(logs, logbus.Entry{
			Severity: logbus.SeverityWarning,
			Category: Category,
			Message:  fmt.Sprintf("Host offline; retrying in %dms (attempt %d)", delay.Milliseconds(), attempt),
		})
	}
	st := c.state
	c.emitLocked(notice{logs: logs, state: &st, result: &res})
}

// scheduleRetryLocked arms the single retry timer and advances the attempt
// counter. It returns the delay and the 1-based attempt number.
func (c *Connection) scheduleRetryLocked() (time.Duration, int) {
	c.cancelRetryLocked()
	delay := backoff.Delay(c.attempt, c.opts.Delays...)
	c.attempt++
	c.timerToken++
	token := c.timerToken
	c.stopTimer = c.opts.Scheduler(delay, func() { c.retry(token) })
	return delay, c.attempt
}

func (c *Connection) cancelRetryLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.timerToken++
}

func (c *Connection) retry(token uint64) {
	c.mu.Lock()
	if token != c.timerToken || c.manual {
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil

	if c.online() {
		c.open()
		return
	}

	// Offline waits still advance the backoff attempt.
	delay, attempt := c.scheduleRetryLocked()
	c.state = State{Status: StatusReconnecting, RetryCount: attempt, LastError: ErrHostOffline}
	st := c.state
	c.emitLocked(notice{
		state: &st,
		logs: []logbus.Entry{{
			Severity: logbus.SeverityInfo,
			Category: Category,
			Message:  fmt.Sprintf("Still offline; retrying in %dms (attempt %d)", delay.Milliseconds(), attempt),
		}},
	})
}

// Disconnect closes the socket with a normal closure and disables automatic
// reconnection until the next Connect. Repeated calls are no-ops.
func (c *Connection) Disconnect(reason string) {
	c.mu.Lock()
	c.manual = true
	c.cancelRetryLocked()
	sock := c.detachSocketLocked()
	c.attempt = 0

	if c.state.Status == StatusOffline && c.state.LastError == nil && sock == nil {
		c.mu.Unlock()
		return
	}
	c.state = State{Status: StatusOffline}
	st := c.state
	msg := "Disconnected"
	if reason != "" {
		msg += ": " + reason
	}
	c.emitLocked(notice{
		state: &st,
		logs:  []logbus.Entry{{Severity: logbus.SeverityInfo, Category: Category, Message: msg}},
	})
	closeSocket(sock, reason)
}

// Wait blocks until the dial and read goroutines have exited. Call it after
// Disconnect.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// SendCommand writes payload as JSON. With no open socket the command is
// dropped, an error entry is logged and error subscribers are notified.
// The returned error is a *SendError.
func (c *Connection) SendCommand(payload protocol.CommandPayload) error {
	return c.send(payload, payload.RequestID, "command "+payload.Command)
}

// SendResult writes a result frame back to the relay.
func (c *Connection) SendResult(result protocol.CommandResult) error {
	frame := protocol.Frame{Type: protocol.FrameResult, Result: &result}
	return c.send(frame, result.RequestID, "result for request "+result.RequestID)
}

// SendFrame writes an arbitrary agent frame (hello, result).
func (c *Connection) SendFrame(frame protocol.Frame) error {
	return c.send(frame, "", frame.Type+" frame")
}

func (c *Connection) send(v any, requestID, what string) error {
	c.mu.Lock()
	sock := c.socket
	open := sock != nil && c.state.Status == StatusConnected
	c.mu.Unlock()

	if !open {
		res := protocol.NewResult(protocol.StatusError, protocol.SourceConnection, requestID,
			"Connection is not open; dropping "+what)
		c.report(res)
		return &SendError{Result: res, Err: ErrNotOpen}
	}
	if err := sock.WriteJSON(v); err != nil {
		res := protocol.NewResult(protocol.StatusError, protocol.SourceConnection, requestID,
			fmt.Sprintf("Failed to send %s: %v", what, err))
		c.report(res)
		return &SendError{Result: res, Err: err}
	}
	return nil
}

// report logs res and notifies error listeners without touching state.
func (c *Connection) report(res protocol.CommandResult) {
	c.opts.Bus.LogResult(Category, res)
	c.mu.Lock()
	subs := sortedSubs(c.errorSubs)
	c.mu.Unlock()
	c.deliverError(res, subs)
}

// SubscribeStatus registers fn and immediately replays the current state to
// it. fn must not call Connect or Disconnect synchronously.
func (c *Connection) SubscribeStatus(fn func(State)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.statusSubs[id] = fn
	st := c.state
	c.emitMu.Lock()
	c.mu.Unlock()
	c.safeCall("status subscriber", func() { fn(st) })
	c.emitMu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

// SubscribeCommands registers fn for accepted inbound commands. fn runs
// after the primary OnCommand callback.
func (c *Connection) SubscribeCommands(fn func(protocol.CommandPayload)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.commandSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.commandSubs, id)
		c.mu.Unlock()
	}
}

// SubscribeErrors registers fn for connection error results.
func (c *Connection) SubscribeErrors(fn func(protocol.CommandResult)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.errorSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.errorSubs, id)
		c.mu.Unlock()
	}
}

type notice struct {
	logs   []logbus.Entry
	state  *State
	result *protocol.CommandResult
}

// emitLocked releases c.mu and delivers n.
func (c *Connection) emitLocked(n notice) {
	statusSubs := sortedSubs(c.statusSubs)
	errorSubs := sortedSubs(c.errorSubs)
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	for _, entry := range n.logs {
		c.opts.Bus.Log(entry)
	}
	if n.state != nil {
		st := *n.state
		if c.opts.OnStatus != nil {
			c.safeCall("OnStatus", func() { c.opts.OnStatus(st) })
		}
		for _, fn := range statusSubs {
			fn := fn
			c.safeCall("status subscriber", func() { fn(st) })
		}
	}
	if n.result != nil {
		c.deliverError(*n.result, errorSubs)
	}
}

func (c *Connection) deliverError(res protocol.CommandResult, subs []func(protocol.CommandResult)) {
	if c.opts.OnError != nil {
		c.safeCall("OnError", func() { c.opts.OnError(res) })
	}
	for _, fn := range subs {
		fn := fn
		c.safeCall("error subscriber", func() { fn(res) })
	}
}

func (c *Connection) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// detachSocketLocked forgets the current socket and invalidates its
// goroutines. The caller closes the returned socket outside the lock.
func (c *Connection) detachSocketLocked() Socket {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	sock := c.socket
	c.socket = nil
	c.gen++
	return sock
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.manual
}

func (c *Connection) online() bool {
	if c.opts.IsOnline == nil {
		return true
	}
	return c.opts.IsOnline()
}

func (c *Connection) header() http.Header {
	h := http.Header{}
	for k, v := range c.opts.Header {
		h[k] = append([]string(nil), v...)
	}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

func closeSocket(sock Socket, reason string) {
	if sock == nil {
		return
	}
	_ = sock.Close(websocket.CloseNormalClosure, reason)
}

func sortedSubs[F any](m map[uint64]F) []F {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
