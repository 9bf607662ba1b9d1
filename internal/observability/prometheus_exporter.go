package observability

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/nupi-ai/domlink/internal/protocol"
)

// RelayMetrics is a point-in-time snapshot of relay state.
type RelayMetrics struct {
	Agents         int
	CommandsQueued uint64
	StoredResults  int
	Results        map[protocol.Status]uint64
}

// RelayMetricsProvider exposes relay gauges and counters.
type RelayMetricsProvider interface {
	Metrics() RelayMetrics
}

// PrometheusExporter renders observability metrics in Prometheus text format.
type PrometheusExporter struct {
	counter *EntryCounter
	relay   RelayMetricsProvider
}

// NewPrometheusExporter constructs an exporter backed by the provided entry counter.
func NewPrometheusExporter(counter *EntryCounter) *PrometheusExporter {
	return &PrometheusExporter{counter: counter}
}

// WithRelay enables exporting relay metrics.
func (e *PrometheusExporter) WithRelay(provider RelayMetricsProvider) {
	e.relay = provider
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (e *PrometheusExporter) Export() []byte {
	var buf bytes.Buffer

	e.writeEntryCounters(&buf)
	e.writeRelayMetrics(&buf)

	return buf.Bytes()
}

func (e *PrometheusExporter) writeEntryCounters(buf *bytes.Buffer) {
	if e.counter == nil {
		return
	}

	counts := e.counter.Snapshot()
	if len(counts) == 0 {
		return
	}

	buf.WriteString("# HELP domlink_log_entries_total Total number of log bus entries per category and severity.\n")
	buf.WriteString("# TYPE domlink_log_entries_total counter\n")

	keys := make([]EntryKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Severity.Rank() < keys[j].Severity.Rank()
	})
	for _, k := range keys {
		fmt.Fprintf(buf, "domlink_log_entries_total{category=%q,severity=%q} %d\n", k.Category, string(k.Severity), counts[k])
	}
}

var resultStatuses = []protocol.Status{protocol.StatusOK, protocol.StatusWarning, protocol.StatusError}

func (e *PrometheusExporter) writeRelayMetrics(buf *bytes.Buffer) {
	if e.relay == nil {
		return
	}
	m := e.relay.Metrics()

	buf.WriteString("# HELP domlink_relay_agents Number of agents connected to the relay.\n")
	buf.WriteString("# TYPE domlink_relay_agents gauge\n")
	fmt.Fprintf(buf, "domlink_relay_agents %d\n", m.Agents)

	buf.WriteString("# HELP domlink_relay_commands_total Total number of commands queued on the relay.\n")
	buf.WriteString("# TYPE domlink_relay_commands_total counter\n")
	fmt.Fprintf(buf, "domlink_relay_commands_total %d\n", m.CommandsQueued)

	buf.WriteString("# HELP domlink_relay_results_total Total number of command results reported by agents.\n")
	buf.WriteString("# TYPE domlink_relay_results_total counter\n")
	for _, status := range resultStatuses {
		fmt.Fprintf(buf, "domlink_relay_results_total{status=%q} %d\n", string(status), m.Results[status])
	}

	buf.WriteString("# HELP domlink_relay_stored_results Number of results held for polling.\n")
	buf.WriteString("# TYPE domlink_relay_stored_results gauge\n")
	fmt.Fprintf(buf, "domlink_relay_stored_results %d\n", m.StoredResults)
}
