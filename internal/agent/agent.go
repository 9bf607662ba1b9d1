// Package agent assembles the in-page pipeline: inbound commands arrive on
// the connection, the dispatcher routes them to the command handlers, and
// every handler result is written back to the relay.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/commands"
	"github.com/nupi-ai/domlink/internal/connection"
	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/dispatcher"
	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/dom/memdom"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/targeting"
	"github.com/nupi-ai/domlink/internal/validate"
	"github.com/nupi-ai/domlink/internal/version"
)

var (
	ErrNoDocument     = errors.New("agent: document is required")
	ErrNoURL          = errors.New("agent: server url is required")
	ErrInvalidAgentID = errors.New("agent: id must be alphanumeric with dots, hyphens or underscores")
)

// Options configures an Agent.
type Options struct {
	URL      string
	Token    string
	AgentID  string
	Delays   []time.Duration
	IsOnline func() bool
	Dialer   connection.Dialer

	Document dom.Document
	// Commands supplies handler tuning and host registries. Document, Bus,
	// Logger and Lifecycle are filled by New.
	Commands commands.Services

	Bus    *logbus.Bus
	Logger *zap.Logger

	// WatchInterval drives element lifecycle scans for documents without
	// mutation notifications.
	WatchInterval time.Duration
}

// Agent owns one connection and the handlers bound to it.
type Agent struct {
	id     string
	logger *zap.Logger
	doc    dom.Document

	bus       *logbus.Bus
	conn      *connection.Connection
	disp      *dispatcher.Dispatcher
	handlers  *commands.Handlers
	lifecycle *targeting.Lifecycle
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cleanup []func()
	running bool
}

// New builds the pipeline. Nothing connects until Run.
func New(opts Options) (*Agent, error) {
	if opts.Document == nil {
		return nil, ErrNoDocument
	}
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = logbus.New(logbus.WithLogger(logger))
	}
	id := opts.AgentID
	if id == "" {
		id = uuid.NewString()
	} else if !validate.Ident(id) {
		return nil, ErrInvalidAgentID
	}
	interval := opts.WatchInterval
	if interval <= 0 {
		interval = constants.Duration500Milliseconds
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		id:        id,
		logger:    logger.With(zap.String("agent_id", id)),
		doc:       opts.Document,
		bus:       bus,
		lifecycle: targeting.NewLifecycle(targeting.WithBus(bus), targeting.WithLogger(logger)),
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.disp = dispatcher.New(bus, dispatcher.WithLogger(logger))

	services := opts.Commands
	services.Document = opts.Document
	services.Bus = bus
	services.Logger = logger
	services.Lifecycle = a.lifecycle
	a.handlers = commands.New(services)
	a.cleanup = append(a.cleanup, a.handlers.Register(a.disp), a.handlers.Close)

	a.conn = connection.New(connection.Options{
		URL:       opts.URL,
		Token:     opts.Token,
		Delays:    opts.Delays,
		IsOnline:  opts.IsOnline,
		Dialer:    opts.Dialer,
		Bus:       bus,
		Logger:    logger,
		OnCommand: a.dispatch,
		OnStatus:  a.onStatus,
	})
	a.cleanup = append(a.cleanup, bus.Subscribe(a.forward))
	return a, nil
}

// ID returns the identifier announced in the hello frame.
func (a *Agent) ID() string { return a.id }

// Bus returns the logging bus shared by every component.
func (a *Agent) Bus() *logbus.Bus { return a.bus }

// Connection returns the relay connection.
func (a *Agent) Connection() *connection.Connection { return a.conn }

// Dispatcher returns the command dispatcher, for registering extra handlers.
func (a *Agent) Dispatcher() *dispatcher.Dispatcher { return a.disp }

// Handlers returns the built-in command handlers.
func (a *Agent) Handlers() *commands.Handlers { return a.handlers }

// Lifecycle returns the overlay registry tracking the document.
func (a *Agent) Lifecycle() *targeting.Lifecycle { return a.lifecycle }

// Run connects and blocks until ctx is done, then disconnects and waits for
// in-flight handlers. An Agent runs at most once.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent: already running")
	}
	a.running = true
	a.mu.Unlock()

	var watchers sync.WaitGroup
	if doc, ok := a.doc.(*memdom.Document); ok {
		stop := a.lifecycle.Observe(a.ctx, doc)
		defer stop()
	} else {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			a.lifecycle.Watch(a.ctx, a.doc, a.interval)
		}()
	}

	a.logger.Info("agent starting", zap.String("url", a.conn.URL()))
	a.conn.Connect()

	<-ctx.Done()

	a.conn.Disconnect("agent shutting down")
	a.conn.Wait()
	a.cancel()
	a.disp.Wait()
	watchers.Wait()

	a.mu.Lock()
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	a.logger.Info("agent stopped")
	return nil
}

func (a *Agent) dispatch(p protocol.CommandPayload) {
	a.disp.Dispatch(a.ctx, p)
}

func (a *Agent) onStatus(st connection.State) {
	if st.Status != connection.StatusConnected {
		return
	}
	hello := protocol.Frame{Type: protocol.FrameHello, Version: version.String(), AgentID: a.id}
	if err := a.conn.SendFrame(hello); err != nil {
		a.logger.Warn("hello frame not sent", zap.Error(err))
	}
}

// forward writes command outcomes back to the relay. Unhandled commands get
// a warning result so senders waiting on the request id are not left
// hanging.
func (a *Agent) forward(e logbus.Entry) {
	switch e.Category {
	case commands.Category:
	case dispatcher.Category:
		if e.Result == nil && strings.HasPrefix(e.Message, dispatcher.UnhandledCommand) {
			requestID, _ := e.Metadata["requestId"].(string)
			res := protocol.NewResult(protocol.StatusWarning, protocol.SourceUI, requestID, e.Message)
			e.Result = &res
		}
	default:
		return
	}
	if e.Result == nil || e.Result.RequestID == "" {
		return
	}
	if a.conn.State().Status != connection.StatusConnected {
		a.logger.Debug("result not forwarded; connection down", zap.String("request_id", e.Result.RequestID))
		return
	}
	_ = a.conn.SendResult(*e.Result)
}
