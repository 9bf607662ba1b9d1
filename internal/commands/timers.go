package commands

import (
	"sync"
	"time"
)

type timerKey struct {
	kind   string
	handle string
}

type pendingTimer struct {
	token uint64
	stop  func() bool
}

// Timers tracks per-element scheduled work (hover and highlight reverts)
// and debounce marks, keyed by element handle. Scheduling the same kind on
// the same element replaces the pending timer. Drop clears everything for
// an element that left the document.
type Timers struct {
	clock Clock

	mu      sync.Mutex
	pending map[timerKey]pendingTimer
	marks   map[timerKey]time.Time
	seq     uint64
}

// NewTimers returns an empty set driven by clock.
func NewTimers(clock Clock) *Timers {
	if clock == nil {
		clock = SystemClock
	}
	return &Timers{
		clock:   clock,
		pending: make(map[timerKey]pendingTimer),
		marks:   make(map[timerKey]time.Time),
	}
}

// Schedule runs fn after d unless replaced, cancelled or dropped first. It
// reports whether a pending timer of the same kind was replaced.
func (t *Timers) Schedule(kind, handle string, d time.Duration, fn func()) bool {
	key := timerKey{kind: kind, handle: handle}

	t.mu.Lock()
	prev, replaced := t.pending[key]
	t.seq++
	token := t.seq
	t.pending[key] = pendingTimer{token: token}
	t.mu.Unlock()

	if replaced && prev.stop != nil {
		prev.stop()
	}

	stop := t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		cur, ok := t.pending[key]
		if !ok || cur.token != token {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()
		fn()
	})

	t.mu.Lock()
	if cur, ok := t.pending[key]; ok && cur.token == token {
		cur.stop = stop
		t.pending[key] = cur
	}
	t.mu.Unlock()
	return replaced
}

// Cancel stops the pending timer of kind for handle.
func (t *Timers) Cancel(kind, handle string) bool {
	key := timerKey{kind: kind, handle: handle}
	t.mu.Lock()
	prev, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if ok && prev.stop != nil {
		prev.stop()
	}
	return ok
}

// Pending reports whether a timer of kind is outstanding for handle.
func (t *Timers) Pending(kind, handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[timerKey{kind: kind, handle: handle}]
	return ok
}

// Debounce reports whether a call of kind on handle falls inside window of
// the last accepted call. Accepted calls restart the window.
func (t *Timers) Debounce(kind, handle string, window time.Duration) bool {
	key := timerKey{kind: kind, handle: handle}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.marks[key]; ok && now.Sub(last) < window {
		return true
	}
	t.marks[key] = now
	return false
}

// Drop cancels all timers and forgets all marks for handle.
func (t *Timers) Drop(handle string) {
	var stops []func() bool
	t.mu.Lock()
	for key, p := range t.pending {
		if key.handle == handle {
			delete(t.pending, key)
			if p.stop != nil {
				stops = append(stops, p.stop)
			}
		}
	}
	for key := range t.marks {
		if key.handle == handle {
			delete(t.marks, key)
		}
	}
	t.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Len returns the number of pending timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
