// Package dispatcher routes inbound commands to registered handlers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// Category tags bus entries written by the dispatcher.
const Category = "dispatcher"

// UnhandledCommand marks the warning logged for commands without handlers.
const UnhandledCommand = "UNHANDLED_COMMAND"

// Handler performs one command. Completion is reported on the bus; a
// returned error or a panic is logged by the dispatcher.
type Handler func(ctx context.Context, payload protocol.CommandPayload) error

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher fans commands out to handlers. Dispatch does not wait for
// handlers: each runs in its own goroutine behind a recover boundary.
type Dispatcher struct {
	bus    *logbus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	wg sync.WaitGroup
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New returns a dispatcher logging to bus.
func New(bus *logbus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:      bus,
		logger:   zap.NewNop(),
		handlers: make(map[string][]registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register appends handler for command. The returned function removes this
// registration only; calling it again is a no-op.
func (d *Dispatcher) Register(command string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[command] = append(d.handlers[command], registration{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			regs := d.handlers[command]
			kept := make([]registration, 0, len(regs))
			for _, r := range regs {
				if r.id != id {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(d.handlers, command)
				return
			}
			d.handlers[command] = kept
		})
	}
}

// Dispatch starts every handler registered for payload.Command in
// registration order and returns without waiting for them.
func (d *Dispatcher) Dispatch(ctx context.Context, payload protocol.CommandPayload) {
	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[payload.Command]...)
	d.mu.RUnlock()

	if len(regs) == 0 {
		d.bus.Warn(Category, fmt.Sprintf("%s: no handler registered for %q", UnhandledCommand, payload.Command), map[string]any{
			"command":   payload.Command,
			"requestId": payload.RequestID,
		})
		return
	}

	for _, reg := range regs {
		d.wg.Add(1)
		go d.run(ctx, reg.handler, payload)
	}
}

func (d *Dispatcher) run(ctx context.Context, handler Handler, payload protocol.CommandPayload) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				zap.String("command", payload.Command),
				zap.String("request_id", payload.RequestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			d.fail(payload, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := handler(ctx, payload); err != nil {
		d.fail(payload, err.Error())
	}
}

func (d *Dispatcher) fail(payload protocol.CommandPayload, message string) {
	res := protocol.NewResult(protocol.StatusError, protocol.SourceUI, payload.RequestID,
		fmt.Sprintf("Handler for %q failed: %s", payload.Command, message))
	d.bus.Log(logbus.Entry{
		Severity: logbus.SeverityError,
		Category: Category,
		Message:  res.Details,
		Result:   &res,
		Metadata: map[string]any{
			"command":   payload.Command,
			"elementId": payload.ElementID,
			"requestId": payload.RequestID,
			"payload":   payload.Payload,
			"error":     message,
		},
	})
}

// Wait blocks until every handler started so far has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Commands lists command names with at least one handler, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
