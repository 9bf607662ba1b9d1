// Package commands implements the per-verb command handlers.
package commands

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/targeting"
)

// Clock abstracts time so timer-driven reverts can be tested.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Router is the host navigation contract.
type Router interface {
	Push(ctx context.Context, path string) error
}

// Replacer is implemented by routers that can replace the current entry.
type Replacer interface {
	Replace(ctx context.Context, path string) error
}

// RouterRegistry holds the router navigate commands use. The zero value has
// no router registered.
type RouterRegistry struct {
	mu     sync.RWMutex
	router Router
	id     uint64
}

// Set installs r and returns a function that unregisters it, unless another
// router replaced it in the meantime.
func (r *RouterRegistry) Set(router Router) func() {
	r.mu.Lock()
	r.id++
	id := r.id
	r.router = router
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.id == id {
			r.router = nil
		}
	}
}

// Router returns the registered router or nil.
func (r *RouterRegistry) Router() Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// RefreshRegistry maps logical element ids to refresh callbacks.
type RefreshRegistry struct {
	mu        sync.Mutex
	callbacks map[string]map[uint64]func()
	next      uint64
}

// Register adds fn for elementID and returns a function removing it.
func (r *RefreshRegistry) Register(elementID string, fn func()) func() {
	r.mu.Lock()
	if r.callbacks == nil {
		r.callbacks = make(map[string]map[uint64]func())
	}
	r.next++
	id := r.next
	set := r.callbacks[elementID]
	if set == nil {
		set = make(map[uint64]func())
		r.callbacks[elementID] = set
	}
	set[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.callbacks[elementID], id)
		if len(r.callbacks[elementID]) == 0 {
			delete(r.callbacks, elementID)
		}
	}
}

// Callbacks returns the callbacks for elementID in registration order.
func (r *RefreshRegistry) Callbacks(elementID string) []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.callbacks[elementID]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// Services are the collaborators handed to every handler. Zero fields are
// filled with defaults by New.
type Services struct {
	Document  dom.Document
	Bus       *logbus.Bus
	Logger    *zap.Logger
	Router    *RouterRegistry
	Refresh   *RefreshRegistry
	Timers    *Timers
	Clock     Clock
	Lifecycle *targeting.Lifecycle

	// Targeting carries the retry count and interval for lookups.
	Targeting targeting.Request

	HoverDuration     time.Duration
	HighlightDuration time.Duration
	ScrollDebounce    time.Duration
	HighlightColor    string
}

func (s *Services) applyDefaults() {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Clock == nil {
		s.Clock = SystemClock
	}
	if s.Router == nil {
		s.Router = &RouterRegistry{}
	}
	if s.Refresh == nil {
		s.Refresh = &RefreshRegistry{}
	}
	if s.Timers == nil {
		s.Timers = NewTimers(s.Clock)
	}
	if s.Targeting.Retries <= 0 {
		s.Targeting.Retries = constants.TargetRetries
	}
	if s.Targeting.Interval <= 0 {
		s.Targeting.Interval = constants.TargetRetryInterval
	}
	if s.HoverDuration <= 0 {
		s.HoverDuration = constants.HoverDuration
	}
	if s.HighlightDuration <= 0 {
		s.HighlightDuration = constants.HighlightDuration
	}
	if s.ScrollDebounce <= 0 {
		s.ScrollDebounce = constants.ScrollDebounce
	}
	if s.HighlightColor == "" {
		s.HighlightColor = "#f59e0b"
	}
}
