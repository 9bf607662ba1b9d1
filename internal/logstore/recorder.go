package logstore

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/logbus"
)

// Recorder copies bus entries into a Store from a background goroutine so
// bus listeners never wait on disk.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	entries     chan logbus.Entry
	unsubscribe func()
	dropped     atomic.Int64
	done        chan struct{}
	closeOnce   sync.Once
	// mu guards sends on entries against Close.
	mu     sync.RWMutex
	closed bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the process logger used for write failures.
func WithRecorderLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBuffer sets the number of entries queued before new ones are dropped.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.entries = make(chan logbus.Entry, n)
		}
	}
}

// Attach subscribes to bus and persists every entry into s until Close.
func (s *Store) Attach(bus *logbus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   s,
		logger:  zap.NewNop(),
		entries: make(chan logbus.Entry, constants.ClientSendBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	r.unsubscribe = bus.Subscribe(r.enqueue)
	return r
}

func (r *Recorder) enqueue(entry logbus.Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- entry:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("log recorder buffer full; dropping entries")
		}
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for entry := range r.entries {
		if err := r.store.Append(context.Background(), entry); err != nil {
			r.logger.Warn("failed to persist log entry", zap.String("id", entry.ID), zap.Error(err))
		}
	}
}

// Dropped returns how many entries were discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close unsubscribes from the bus and flushes queued entries.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.mu.Lock()
		r.closed = true
		close(r.entries)
		r.mu.Unlock()
		<-r.done
	})
}
