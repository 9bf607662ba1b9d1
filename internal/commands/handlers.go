package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/dispatcher"
	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/targeting"
)

// Category tags every command result on the bus.
const Category = "command"

// Command verbs.
const (
	Click          = "click"
	Fill           = "fill"
	Clear          = "clear"
	Select         = "select"
	Focus          = "focus"
	Hover          = "hover"
	Scroll         = "scroll"
	Highlight      = "highlight"
	Navigate       = "navigate"
	Open           = "open"
	Close          = "close"
	RefreshElement = "refresh_element"
)

// HoverClass marks an element while a hover command is active.
const HoverClass = "domlink-hover"

// Handlers owns the per-verb handlers and the state they share.
type Handlers struct {
	s Services

	mu         sync.Mutex
	highlights map[string]savedStyle
	locks      map[string]*elementLock

	stopLifecycle func()
}

type savedStyle struct {
	el         dom.Element
	outline    string
	transition string
}

type elementLock struct {
	mu   sync.Mutex
	refs int
}

type verb func(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult

// New fills defaults in s and returns the handler set. When s.Lifecycle is
// set, element removals drop per-element timers and saved styles.
func New(s Services) *Handlers {
	s.applyDefaults()
	h := &Handlers{
		s:          s,
		highlights: make(map[string]savedStyle),
		locks:      make(map[string]*elementLock),
	}
	if s.Lifecycle != nil {
		h.stopLifecycle = s.Lifecycle.OnRemoved(h.forget)
	}
	return h
}

// Services returns the resolved collaborators.
func (h *Handlers) Services() Services {
	return h.s
}

// Close detaches from the lifecycle registry.
func (h *Handlers) Close() {
	if h.stopLifecycle != nil {
		h.stopLifecycle()
	}
}

func (h *Handlers) verbs() map[string]verb {
	return map[string]verb{
		Click:          h.click,
		Fill:           h.fill,
		Clear:          h.clear,
		Select:         h.selectOption,
		Focus:          h.focus,
		Hover:          h.hover,
		Scroll:         h.scroll,
		Highlight:      h.highlight,
		Navigate:       h.navigate,
		Open:           h.openClose("sdk-open"),
		Close:          h.openClose("sdk-close"),
		RefreshElement: h.refresh,
	}
}

// Register binds every verb on d and returns a function unregistering them.
func (h *Handlers) Register(d *dispatcher.Dispatcher) func() {
	var undo []func()
	for name, fn := range h.verbs() {
		undo = append(undo, d.Register(name, h.wrap(name, fn)))
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// Handle returns the dispatcher handler for a verb, or nil.
func (h *Handlers) Handle(name string) dispatcher.Handler {
	fn, ok := h.verbs()[name]
	if !ok {
		return nil
	}
	return h.wrap(name, fn)
}

// Execute runs a verb synchronously and returns its logged result.
func (h *Handlers) Execute(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	fn, ok := h.verbs()[p.Command]
	if !ok {
		res := warning(p, nil, fmt.Sprintf("Unknown command %q", p.Command))
		h.record(p, res)
		return res
	}
	return h.run(ctx, p.Command, fn, p)
}

func (h *Handlers) wrap(name string, fn verb) dispatcher.Handler {
	return func(ctx context.Context, p protocol.CommandPayload) error {
		h.run(ctx, name, fn, p)
		return nil
	}
}

func (h *Handlers) run(ctx context.Context, name string, fn verb, p protocol.CommandPayload) (res protocol.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			h.s.Logger.Error("command panicked",
				zap.String("command", name),
				zap.String("request_id", p.RequestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = failure(p, fmt.Errorf("panic: %v", r))
		}
		h.record(p, res)
	}()
	return fn(ctx, p)
}

func (h *Handlers) record(p protocol.CommandPayload, res protocol.CommandResult) {
	h.s.Bus.Log(logbus.Entry{
		Severity: logbus.SeverityForStatus(res.Status),
		Category: Category,
		Message:  res.Details,
		Result:   &res,
		Metadata: map[string]any{
			"command":   p.Command,
			"elementId": p.ElementID,
		},
	})
}

// resolve looks up the payload target and tracks it for removal.
func (h *Handlers) resolve(ctx context.Context, p protocol.CommandPayload) targeting.Result {
	selector, _ := p.String("selector")
	req := h.s.Targeting
	req.ElementID = p.ElementID
	req.Selector = selector
	res := targeting.Resolve(ctx, h.s.Document, req)
	if res.Element != nil {
		h.s.Lifecycle.Track(res.Element)
	}
	return res
}

// lockElement serializes stateful commands and their reverts on one
// element. The returned function releases the lock.
func (h *Handlers) lockElement(handle string) func() {
	h.mu.Lock()
	l, ok := h.locks[handle]
	if !ok {
		l = &elementLock{}
		h.locks[handle] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, handle)
		}
		h.mu.Unlock()
	}
}

// forget drops per-element state once an element leaves the document.
func (h *Handlers) forget(handle string) {
	h.s.Timers.Drop(handle)
	h.mu.Lock()
	delete(h.highlights, handle)
	h.mu.Unlock()
}

func label(p protocol.CommandPayload) string {
	if p.ElementID != "" {
		return p.ElementID
	}
	if sel, ok := p.String("selector"); ok && sel != "" {
		return sel
	}
	return "document"
}

func result(p protocol.CommandPayload, status protocol.Status, warnings []protocol.TargetResolutionWarning, details string) protocol.CommandResult {
	res := protocol.NewResult(status, protocol.SourceUI, p.RequestID, details)
	res.Warnings = warnings
	return res
}

// success reports ok, downgraded to warning when targeting had issues.
func success(p protocol.CommandPayload, warnings []protocol.TargetResolutionWarning, details string) protocol.CommandResult {
	status := protocol.StatusOK
	if len(warnings) > 0 {
		status = protocol.StatusWarning
	}
	return result(p, status, warnings, details)
}

func warning(p protocol.CommandPayload, warnings []protocol.TargetResolutionWarning, details string) protocol.CommandResult {
	return result(p, protocol.StatusWarning, warnings, details)
}

func failure(p protocol.CommandPayload, err error) protocol.CommandResult {
	return result(p, protocol.StatusError, nil, fmt.Sprintf("%s failed on '%s': %v", p.Command, label(p), err))
}

func notFound(p protocol.CommandPayload, res targeting.Result) protocol.CommandResult {
	return warning(p, res.Warnings, fmt.Sprintf("Target '%s' not found for %s", label(p), p.Command))
}

func durationOption(p protocol.CommandPayload, key string, fallback time.Duration) time.Duration {
	if ms, ok := p.Int(key); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
