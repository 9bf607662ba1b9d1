package observability

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
)

func TestEntryCounterSnapshot(t *testing.T) {
	bus := logbus.New()
	counter := NewEntryCounter()
	bus.Subscribe(counter.Observe)

	bus.Info("connection", "Connected", nil)
	bus.Info("connection", "Connected", nil)
	bus.Warn("command", "Target 'x' not found", nil)
	counter.Observe(logbus.Entry{Severity: logbus.SeverityInfo})

	snapshot := counter.Snapshot()

	if got := snapshot[EntryKey{Category: "connection", Severity: logbus.SeverityInfo}]; got != 2 {
		t.Fatalf("expected connection/info count 2, got %d", got)
	}
	if got := snapshot[EntryKey{Category: "command", Severity: logbus.SeverityWarning}]; got != 1 {
		t.Fatalf("expected command/warning count 1, got %d", got)
	}
	if len(snapshot) != 2 {
		t.Fatalf("expected entries without a category to be ignored, got %v", snapshot)
	}
}

type relayStub struct {
	queued atomic.Uint64
}

func (r *relayStub) Metrics() RelayMetrics {
	return RelayMetrics{
		Agents:         2,
		CommandsQueued: r.queued.Load(),
		StoredResults:  5,
		Results:        map[protocol.Status]uint64{protocol.StatusOK: 4, protocol.StatusWarning: 1},
	}
}

func TestPrometheusExporter(t *testing.T) {
	bus := logbus.New()
	counter := NewEntryCounter()
	bus.Subscribe(counter.Observe)

	stub := &relayStub{}
	stub.queued.Store(7)
	exporter := NewPrometheusExporter(counter)
	exporter.WithRelay(stub)

	bus.Info("relay", "Queued click", nil)
	bus.Error("relay", "Agent failed", nil)

	metrics := string(exporter.Export())

	for _, want := range []string{
		`domlink_log_entries_total{category="relay",severity="info"} 1`,
		`domlink_log_entries_total{category="relay",severity="error"} 1`,
		`domlink_relay_agents 2`,
		`domlink_relay_commands_total 7`,
		`domlink_relay_results_total{status="ok"} 4`,
		`domlink_relay_results_total{status="warning"} 1`,
		`domlink_relay_results_total{status="error"} 0`,
		`domlink_relay_stored_results 5`,
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, metrics)
		}
	}
	if strings.Index(metrics, `severity="info"`) > strings.Index(metrics, `severity="error"`) {
		t.Fatalf("expected severities ordered by rank:\n%s", metrics)
	}
}

func TestPrometheusExporterWithoutProviders(t *testing.T) {
	if out := NewPrometheusExporter(nil).Export(); len(out) != 0 {
		t.Fatalf("expected empty output, got %q", out)
	}
}

func TestPrometheusExporterConcurrency(t *testing.T) {
	bus := logbus.New()
	counter := NewEntryCounter()
	bus.Subscribe(counter.Observe)

	stub := &relayStub{}
	exporter := NewPrometheusExporter(counter)
	exporter.WithRelay(stub)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			stub.queued.Add(1)
			bus.Debug("relay", "tick", nil)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if payload := exporter.Export(); len(payload) == 0 {
				t.Errorf("expected metrics output to be non-empty")
			}
		}
	}()

	wg.Wait()
}
