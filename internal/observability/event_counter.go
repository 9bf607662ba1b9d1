// Package observability derives counters from the logging bus and renders
// them, together with relay gauges, in the Prometheus text format.
package observability

import (
	"sync"
	"sync/atomic"

	"github.com/nupi-ai/domlink/internal/logbus"
)

// EntryKey groups counted entries.
type EntryKey struct {
	Category string
	Severity logbus.Severity
}

// EntryCounter counts bus entries grouped by category and severity.
type EntryCounter struct {
	counts sync.Map // map[EntryKey]*atomic.Uint64
}

// NewEntryCounter creates a counter that can be subscribed to a bus.
func NewEntryCounter() *EntryCounter {
	return &EntryCounter{}
}

// Observe implements logbus.Listener.
func (c *EntryCounter) Observe(entry logbus.Entry) {
	if entry.Category == "" {
		return
	}
	c.counterFor(EntryKey{Category: entry.Category, Severity: entry.Severity}).Add(1)
}

// Snapshot exposes a stable copy of the current counts.
func (c *EntryCounter) Snapshot() map[EntryKey]uint64 {
	out := make(map[EntryKey]uint64)
	c.counts.Range(func(key, value any) bool {
		k, ok := key.(EntryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out[k] = counter.Load()
		return true
	})
	return out
}

func (c *EntryCounter) counterFor(key EntryKey) *atomic.Uint64 {
	if counter, ok := c.counts.Load(key); ok {
		if typed, ok := counter.(*atomic.Uint64); ok && typed != nil {
			return typed
		}
	}
	newCounter := &atomic.Uint64{}
	actual, _ := c.counts.LoadOrStore(key, newCounter)
	if typed, ok := actual.(*atomic.Uint64); ok && typed != nil {
		return typed
	}
	return newCounter
}
