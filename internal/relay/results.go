package relay

import (
	"context"
	"sync"

	"github.com/nupi-ai/domlink/internal/protocol"
)

// resultStore keeps the latest result per request id, evicting the oldest
// request once capacity is reached.
type resultStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]protocol.CommandResult
	changed  chan struct{}
}

func newResultStore(capacity int) *resultStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &resultStore{
		capacity: capacity,
		results:  make(map[string]protocol.CommandResult),
		changed:  make(chan struct{}),
	}
}

func (s *resultStore) put(res protocol.CommandResult) {
	if res.RequestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[res.RequestID]; !ok {
		s.order = append(s.order, res.RequestID)
		for len(s.order) > s.capacity {
			delete(s.results, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.results[res.RequestID] = res
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *resultStore) get(requestID string) (protocol.CommandResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[requestID]
	return res, ok
}

// wait blocks until a result for requestID arrives or ctx is done.
func (s *resultStore) wait(ctx context.Context, requestID string) (protocol.CommandResult, bool) {
	for {
		s.mu.Lock()
		res, ok := s.results[requestID]
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return res, true
		}
		select {
		case <-ctx.Done():
			return protocol.CommandResult{}, false
		case <-changed:
		}
	}
}

func (s *resultStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
