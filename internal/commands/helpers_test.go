package commands

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/dom/memdom"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/targeting"
)

const fixture = `<html><body><main id="app">
<button data-elementid="btn1" data-rect="0,0,100,40">Go</button>
<input data-elementid="name" value="Ada">
<input data-elementid="locked" value="x" disabled>
<textarea data-elementid="bio">hi</textarea>
<select data-elementid="color">
  <option value="r">Red</option>
  <option value="g" selected>Green</option>
  <option value="b">Blue</option>
</select>
<div data-elementid="card" style="outline: 1px dashed gray;">card</div>
<div data-elementid="plain">plain</div>
<div data-elementid="editable" contenteditable="true">e</div>
<div data-elementid="tabbable" tabindex="-1">t</div>
<div hidden><button data-elementid="hiddenbtn">h</button></div>
</main></body></html>`

type clockTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*clockTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &clockTimer{at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*clockTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.fn()
	}
}

type fixtureEnv struct {
	doc   *memdom.Document
	bus   *logbus.Bus
	clock *fakeClock
	h     *Handlers
}

func newEnv(t *testing.T, mutate func(*Services)) *fixtureEnv {
	t.Helper()
	env := &fixtureEnv{doc: memdom.MustParse(fixture), bus: logbus.New(), clock: newFakeClock()}
	s := Services{
		Document:  env.doc,
		Bus:       env.bus,
		Clock:     env.clock,
		Targeting: targeting.Request{Retries: 2, Interval: time.Millisecond},
	}
	if mutate != nil {
		mutate(&s)
	}
	env.h = New(s)
	t.Cleanup(env.h.Close)
	return env
}

func (e *fixtureEnv) el(t *testing.T, id string) *memdom.Element {
	t.Helper()
	el := e.doc.Find(dom.ElementIDSelector(id))
	require.NotNil(t, el, "fixture element %q", id)
	return el
}

func (e *fixtureEnv) run(cmd, elementID string, payload map[string]any) protocol.CommandResult {
	return e.h.Execute(context.Background(), protocol.CommandPayload{
		Command:   cmd,
		ElementID: elementID,
		Payload:   payload,
		RequestID: "req-" + cmd,
	})
}

func (e *fixtureEnv) events(t *testing.T, id string) []string {
	t.Helper()
	return e.doc.EventTypes(e.el(t, id).Handle())
}

func (e *fixtureEnv) style(t *testing.T, id, prop string) string {
	t.Helper()
	v, err := e.el(t, id).Style(context.Background(), prop)
	require.NoError(t, err)
	return v
}

func (e *fixtureEnv) value(t *testing.T, id string) string {
	t.Helper()
	v, err := e.el(t, id).Value(context.Background())
	require.NoError(t, err)
	return v
}
