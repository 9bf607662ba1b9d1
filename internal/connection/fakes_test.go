package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	typ  int
	data []byte
	err  error
}

type fakeSocket struct {
	incoming chan frame
	closed   chan struct{}
	once     sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeCode int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{incoming: make(chan frame, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case f := <-s.incoming:
		return f.typ, f.data, f.err
	case <-s.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteJSON(v any) error {
	select {
	case <-s.closed:
		return errors.New("write on closed socket")
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, raw)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close(code int, _ string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *fakeSocket) sendText(raw string) {
	s.incoming <- frame{typ: websocket.TextMessage, data: []byte(raw)}
}

func (s *fakeSocket) serverClose(code int) {
	s.incoming <- frame{err: &websocket.CloseError{Code: code}}
}

func (s *fakeSocket) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

type dialResult struct {
	sock Socket
	err  error
}

type fakeDialer struct {
	results chan dialResult

	mu      sync.Mutex
	dials   int
	headers []http.Header
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, header http.Header) (Socket, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header)
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.sock, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{delay: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (s *fakeScheduler) active() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

// fire runs the single pending timer.
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	pending := s.active()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", len(pending))
	}
	s.mu.Lock()
	pending[0].fired = true
	s.mu.Unlock()
	pending[0].fn()
}

type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(st State) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st.Status)
	}
	return out
}

func (r *statusRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}
	}
	return r.states[len(r.states)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
