package targeting

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/dom/memdom"
	"github.com/nupi-ai/domlink/internal/logbus"
)

// OverlayRegistration binds attach/detach hooks to a logical element id.
type OverlayRegistration struct {
	ElementID string
	Attach    func(el dom.Element)
	Detach    func(el dom.Element)
}

// Lifecycle follows registered and tracked elements through insertions and
// removals. Removal hooks let per-element state (timers, debounce windows)
// be dropped explicitly instead of leaking.
type Lifecycle struct {
	bus    *logbus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	regs     map[string]registration
	attached map[string]map[string]dom.Element // elementId -> handle -> element
	tracked  map[string]dom.Element
	removed  map[uint64]func(handle string)
	nextID   uint64
}

type registration struct {
	OverlayRegistration
	id uint64
}

// LifecycleOption customises a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithBus records attach/detach activity on the logging bus.
func WithBus(bus *logbus.Bus) LifecycleOption {
	return func(l *Lifecycle) { l.bus = bus }
}

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLifecycle returns an empty registry.
func NewLifecycle(opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		logger:   zap.NewNop(),
		regs:     make(map[string]registration),
		attached: make(map[string]map[string]dom.Element),
		tracked:  make(map[string]dom.Element),
		removed:  make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register stores reg under its element id, replacing any previous
// registration for that id. The returned function detaches it from every
// element it was attached to and removes it.
func (l *Lifecycle) Register(reg OverlayRegistration) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	prev, hadPrev := l.regs[reg.ElementID]
	prevAttached := l.attached[reg.ElementID]
	l.regs[reg.ElementID] = registration{OverlayRegistration: reg, id: id}
	delete(l.attached, reg.ElementID)
	l.mu.Unlock()

	if hadPrev {
		for _, el := range prevAttached {
			callHook(prev.Detach, el)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			current, ok := l.regs[reg.ElementID]
			// A newer registration for the same id is not ours to remove.
			if !ok || current.id != id {
				l.mu.Unlock()
				return
			}
			els := l.attached[reg.ElementID]
			delete(l.regs, reg.ElementID)
			delete(l.attached, reg.ElementID)
			l.mu.Unlock()
			for _, el := range els {
				callHook(reg.Detach, el)
			}
		})
	}
}

// Track marks el so its removal from the document fires OnRemoved hooks.
func (l *Lifecycle) Track(el dom.Element) {
	if l == nil || el == nil {
		return
	}
	l.mu.Lock()
	l.tracked[el.Handle()] = el
	l.mu.Unlock()
}

// OnRemoved registers fn to run with the handle of every tracked or attached
// element that leaves the document.
func (l *Lifecycle) OnRemoved(fn func(handle string)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.removed[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.removed, id)
		l.mu.Unlock()
	}
}

// Scan reconciles registrations with the document: registrations attach to
// newly matching elements, and attached or tracked elements that are no
// longer connected are detached and reported as removed.
func (l *Lifecycle) Scan(ctx context.Context, doc dom.Document) {
	l.mu.Lock()
	regs := make([]OverlayRegistration, 0, len(l.regs))
	for _, reg := range l.regs {
		regs = append(regs, reg.OverlayRegistration)
	}
	tracked := make([]dom.Element, 0, len(l.tracked))
	for _, el := range l.tracked {
		tracked = append(tracked, el)
	}
	l.mu.Unlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].ElementID < regs[j].ElementID })

	var gone []dom.Element
	for _, reg := range regs {
		matches, err := doc.QuerySelectorAll(ctx, dom.ElementIDSelector(reg.ElementID))
		if err != nil {
			l.logger.Debug("lifecycle scan failed", zap.String("element_id", reg.ElementID), zap.Error(err))
			continue
		}
		present := make(map[string]bool, len(matches))
		for _, el := range matches {
			present[el.Handle()] = true
			l.attach(reg, el)
		}

		l.mu.Lock()
		var stale []dom.Element
		for handle, el := range l.attached[reg.ElementID] {
			if !present[handle] && !el.Connected(ctx) {
				stale = append(stale, el)
			}
		}
		l.mu.Unlock()
		gone = append(gone, stale...)
	}
	for _, el := range tracked {
		if !el.Connected(ctx) {
			gone = append(gone, el)
		}
	}
	l.handleRemoved(gone)
}

// Observe subscribes to memdom mutation notifications so registrations
// follow insertions and removals as they happen.
func (l *Lifecycle) Observe(ctx context.Context, doc *memdom.Document) func() {
	l.Scan(ctx, doc)
	return doc.Observe(func(m memdom.Mutation) {
		removed := make([]dom.Element, 0, len(m.Removed))
		for _, el := range m.Removed {
			removed = append(removed, el)
		}
		l.handleRemoved(removed)
		if len(m.Added) > 0 {
			l.Scan(ctx, doc)
		}
	})
}

// Watch rescans doc every interval until ctx is done. Documents without
// mutation notifications (a remote browser tab) use this instead of Observe.
func (l *Lifecycle) Watch(ctx context.Context, doc dom.Document, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	l.Scan(ctx, doc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Scan(ctx, doc)
		}
	}
}

// Attached returns the handles reg is attached to, sorted.
func (l *Lifecycle) Attached(elementID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.attached[elementID]))
	for handle := range l.attached[elementID] {
		out = append(out, handle)
	}
	sort.Strings(out)
	return out
}

func (l *Lifecycle) attach(reg OverlayRegistration, el dom.Element) {
	l.mu.Lock()
	set := l.attached[reg.ElementID]
	if set == nil {
		set = make(map[string]dom.Element)
		l.attached[reg.ElementID] = set
	}
	if _, ok := set[el.Handle()]; ok {
		l.mu.Unlock()
		return
	}
	set[el.Handle()] = el
	l.mu.Unlock()

	callHook(reg.Attach, el)
	l.bus.Debug("lifecycle", "Overlay attached", map[string]any{"elementId": reg.ElementID, "handle": el.Handle()})
}

func (l *Lifecycle) handleRemoved(els []dom.Element) {
	if len(els) == 0 {
		return
	}
	type detach struct {
		reg OverlayRegistration
		el  dom.Element
	}
	var detaches []detach
	var handles []string
	seen := make(map[string]bool, len(els))

	l.mu.Lock()
	for _, el := range els {
		handle := el.Handle()
		if seen[handle] {
			continue
		}
		seen[handle] = true
		handles = append(handles, handle)
		delete(l.tracked, handle)
		for id, set := range l.attached {
			if attachedEl, ok := set[handle]; ok {
				delete(set, handle)
				detaches = append(detaches, detach{reg: l.regs[id].OverlayRegistration, el: attachedEl})
			}
		}
	}
	hooks := make([]func(string), 0, len(l.removed))
	ids := make([]uint64, 0, len(l.removed))
	for id := range l.removed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		hooks = append(hooks, l.removed[id])
	}
	l.mu.Unlock()

	for _, d := range detaches {
		callHook(d.reg.Detach, d.el)
		l.bus.Debug("lifecycle", "Overlay detached", map[string]any{"elementId": d.reg.ElementID, "handle": d.el.Handle()})
	}
	for _, handle := range handles {
		for _, fn := range hooks {
			fn(handle)
		}
	}
}

func callHook(fn func(dom.Element), el dom.Element) {
	if fn != nil {
		fn(el)
	}
}
