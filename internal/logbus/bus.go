// Package logbus is the in-process log timeline. Entries live in a bounded
// history and fan out to subscribers, with an optional zap mirror.
package logbus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// Severity grades a log entry.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities from least to most severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	}
	return -1
}

// Entry is a single record in the bus history.
type Entry struct {
	ID        string                  `json:"id"`
	Timestamp time.Time               `json:"timestamp"`
	Severity  Severity                `json:"severity"`
	Category  string                  `json:"category"`
	Message   string                  `json:"message"`
	Result    *protocol.CommandResult `json:"result,omitempty"`
	Metadata  map[string]any          `json:"metadata,omitempty"`
}

// Listener receives every entry appended to the bus.
type Listener func(Entry)

// Bus keeps a bounded in-memory history of entries and fans them out to
// listeners. It is the only cross-cutting shared mutable state of the agent.
type Bus struct {
	logger   *zap.Logger
	capacity int

	mu        sync.Mutex
	history   []Entry
	start     int
	listeners map[uint64]Listener
	nextID    atomic.Uint64
}

// Option customises bus behaviour.
type Option func(*Bus)

// WithCapacity bounds the history buffer. Non-positive values keep the default.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger mirrors every entry to the given process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a bus with the default capacity of 200 entries.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    zap.NewNop(),
		capacity:  constants.LogHistoryCapacity,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]Entry, 0, b.capacity)
	return b
}

// Log appends the entry, stamping id and timestamp when missing, and notifies
// listeners synchronously. If b is nil the call is a no-op.
func (b *Bus) Log(entry Entry) Entry {
	if b == nil {
		return entry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	b.mu.Lock()
	if len(b.history) < b.capacity {
		b.history = append(b.history, entry)
	} else {
		b.history[b.start] = entry
		b.start = (b.start + 1) % b.capacity
	}
	listeners := b.snapshotListenersLocked()
	b.mu.Unlock()

	b.mirror(entry)

	// Notification runs outside the lock so listeners may log re-entrantly.
	for _, fn := range listeners {
		notify(fn, entry)
	}
	return entry
}

// Debug logs a debug entry.
func (b *Bus) Debug(category, message string, metadata map[string]any) {
	b.Log(Entry{Severity: SeverityDebug, Category: category, Message: message, Metadata: metadata})
}

// Info logs an info entry.
func (b *Bus) Info(category, message string, metadata map[string]any) {
	b.Log(Entry{Severity: SeverityInfo, Category: category, Message: message, Metadata: metadata})
}

// Warn logs a warning entry.
func (b *Bus) Warn(category, message string, metadata map[string]any) {
	b.Log(Entry{Severity: SeverityWarning, Category: category, Message: message, Metadata: metadata})
}

// Error logs an error entry.
func (b *Bus) Error(category, message string, metadata map[string]any) {
	b.Log(Entry{Severity: SeverityError, Category: category, Message: message, Metadata: metadata})
}

// LogResult records a command result, mapping its status to a severity.
func (b *Bus) LogResult(category string, result protocol.CommandResult) {
	res := result
	b.Log(Entry{
		Severity: SeverityForStatus(result.Status),
		Category: category,
		Message:  result.Details,
		Result:   &res,
	})
}

// SeverityForStatus maps a result status to a log severity.
func SeverityForStatus(status protocol.Status) Severity {
	switch status {
	case protocol.StatusError:
		return SeverityError
	case protocol.StatusWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Subscribe registers a listener and returns a function removing it.
// If b is nil the returned function is a no-op.
func (b *Bus) Subscribe(fn Listener) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// History returns a copy of the buffered entries, oldest first.
func (b *Bus) History() []Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.history))
	out = append(out, b.history[b.start:]...)
	out = append(out, b.history[:b.start]...)
	return out
}

// Clear drops the buffered history. Listeners stay registered.
func (b *Bus) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.history = b.history[:0]
	b.start = 0
	b.mu.Unlock()
}

// Capacity reports the history bound.
func (b *Bus) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

func (b *Bus) snapshotListenersLocked() []Listener {
	if len(b.listeners) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.listeners[id])
	}
	return out
}

func (b *Bus) mirror(entry Entry) {
	fields := []zap.Field{
		zap.String("category", entry.Category),
		zap.String("entry_id", entry.ID),
	}
	if entry.Result != nil {
		fields = append(fields,
			zap.String("request_id", entry.Result.RequestID),
			zap.String("status", string(entry.Result.Status)),
			zap.String("source", string(entry.Result.Source)),
		)
	}
	if len(entry.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", entry.Metadata))
	}
	switch entry.Severity {
	case SeverityDebug:
		b.logger.Debug(entry.Message, fields...)
	case SeverityWarning:
		b.logger.Warn(entry.Message, fields...)
	case SeverityError:
		b.logger.Error(entry.Message, fields...)
	default:
		b.logger.Info(entry.Message, fields...)
	}
}

// notify shields the bus from a panicking listener.
func notify(fn Listener, entry Entry) {
	defer func() {
		_ = recover()
	}()
	fn(entry)
}
