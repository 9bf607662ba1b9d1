package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/version"
)

func startRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		httpSrv.Close()
	})
	return srv, httpSrv
}

func dialAgent(t *testing.T, httpSrv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, srv.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	bus := logbus.New()
	srv, httpSrv := startRelay(t, Options{Bus: bus})

	agents := []*websocket.Conn{dialAgent(t, httpSrv, nil), dialAgent(t, httpSrv, nil)}
	waitForClients(t, srv, 2)

	client := NewClient(httpSrv.URL, "")
	ctx := context.Background()
	resp, err := client.Send(ctx, protocol.CommandPayload{Command: "click", ElementID: "btn1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if resp.Agents != 2 {
		t.Fatalf("agents = %d, want 2", resp.Agents)
	}

	for i, conn := range agents {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var cmd protocol.CommandPayload
		if err := conn.ReadJSON(&cmd); err != nil {
			t.Fatalf("agent %d read: %v", i, err)
		}
		if cmd.Command != "click" || cmd.ElementID != "btn1" || cmd.RequestID != resp.RequestID {
			t.Fatalf("agent %d got %+v", i, cmd)
		}
		if cmd.Timestamp == 0 {
			t.Fatalf("agent %d: expected timestamp", i)
		}
	}

	if _, err := client.Result(ctx, resp.RequestID, 0); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult before the agent replied, got %v", err)
	}

	result := protocol.NewResult(protocol.StatusOK, protocol.SourceUI, resp.RequestID, "Clicked 'btn1' (button: 0)")
	if err := agents[0].WriteJSON(protocol.Frame{Type: protocol.FrameResult, Result: &result}); err != nil {
		t.Fatalf("write result: %v", err)
	}

	got, err := client.Result(ctx, resp.RequestID, 2*time.Second)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Details != result.Details || got.Status != protocol.StatusOK {
		t.Fatalf("unexpected result %+v", got)
	}

	var relayed bool
	for _, e := range bus.History() {
		if e.Category == Category && e.Result != nil && e.Result.RequestID == resp.RequestID {
			relayed = true
		}
	}
	if !relayed {
		t.Fatal("expected the result to be logged on the relay bus")
	}
}

func TestRelayRejectsMalformedCommands(t *testing.T) {
	_, httpSrv := startRelay(t, Options{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"array", `[1,2]`, "expected JSON object, got array"},
		{"missing command", `{"elementId":"x"}`, `missing "command" field`},
		{"numeric command", `{"command":3}`, `"command" must be a string, got number`},
		{"invalid json", `{`, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(httpSrv.URL+"/commands", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body ErrorResponse
			if err := jsonDecode(resp, &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(body.Error, tt.want) {
				t.Fatalf("error = %q, want it to contain %q", body.Error, tt.want)
			}
		})
	}
}

func TestRelayRequiresToken(t *testing.T) {
	srv, httpSrv := startRelay(t, Options{Token: "s3cret"})

	if _, err := NewClient(httpSrv.URL, "wrong").Send(context.Background(), protocol.CommandPayload{Command: "click"}); err == nil {
		t.Fatal("expected unauthorized error")
	}

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected upgrade to be refused")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	dialAgent(t, httpSrv, http.Header{"Authorization": []string{"Bearer s3cret"}})
	waitForClients(t, srv, 1)
	if _, err := NewClient(httpSrv.URL, "s3cret").Send(context.Background(), protocol.CommandPayload{Command: "click"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestRelayHelloRecordsAgent(t *testing.T) {
	t.Cleanup(version.ForTesting("2.0.0"))
	bus := logbus.New()
	srv, httpSrv := startRelay(t, Options{Bus: bus})

	conn := dialAgent(t, httpSrv, nil)
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameHello, AgentID: "page-7", Version: "1.9.0"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	mismatchLogged := func() bool {
		for _, e := range bus.History() {
			if e.Severity == logbus.SeverityWarning && strings.Contains(e.Message, "version mismatch") {
				return true
			}
		}
		return false
	}

	deadline := time.Now().Add(2 * time.Second)
	for !mismatchLogged() {
		if time.Now().After(deadline) {
			t.Fatal("expected a version mismatch warning")
		}
		time.Sleep(5 * time.Millisecond)
	}

	agents := srv.Agents()
	if len(agents) != 1 || agents[0].AgentID != "page-7" || agents[0].Version != "1.9.0" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestRelayOriginCheck(t *testing.T) {
	_, httpSrv := startRelay(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}}); err == nil {
		t.Fatal("expected foreign origin to be refused")
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://localhost:3000"}})
	if err != nil {
		t.Fatalf("loopback origin refused: %v", err)
	}
	conn.Close()
}

func TestResultStoreEvictsOldest(t *testing.T) {
	store := newResultStore(2)
	for _, id := range []string{"a", "b", "a", "c"} {
		store.put(protocol.CommandResult{RequestID: id, Details: id})
	}
	if _, ok := store.get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	for _, id := range []string{"b", "c"} {
		if _, ok := store.get(id); !ok {
			t.Fatalf("expected %s to be kept", id)
		}
	}
	if store.len() != 2 {
		t.Fatalf("len = %d", store.len())
	}

	store.put(protocol.CommandResult{})
	if store.len() != 2 {
		t.Fatal("results without a request id must be ignored")
	}
}

func TestResultStoreWait(t *testing.T) {
	store := newResultStore(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		store.put(protocol.CommandResult{RequestID: "other"})
		store.put(protocol.CommandResult{RequestID: "r1", Details: "done"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, ok := store.wait(ctx, "r1")
	if !ok || res.Details != "done" {
		t.Fatalf("wait = %+v, %v", res, ok)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, ok := store.wait(short, "never"); ok {
		t.Fatal("expected wait to time out")
	}
}

func TestRelayHealth(t *testing.T) {
	t.Cleanup(version.ForTesting("1.2.3"))
	srv, httpSrv := startRelay(t, Options{Token: "s3cret"})
	dialAgent(t, httpSrv, http.Header{"Authorization": []string{"Bearer s3cret"}})
	waitForClients(t, srv, 1)

	health, err := NewClient(httpSrv.URL, "").Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" || health.Version != "1.2.3" || health.Agents != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRelayMetrics(t *testing.T) {
	srv, httpSrv := startRelay(t, Options{Bus: logbus.New()})
	conn := dialAgent(t, httpSrv, nil)
	waitForClients(t, srv, 1)

	resp, err := NewClient(httpSrv.URL, "").Send(context.Background(), protocol.CommandPayload{Command: "hover", ElementID: "menu"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	result := protocol.NewResult(protocol.StatusWarning, protocol.SourceUI, resp.RequestID, "Target 'menu' not found for hover")
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameResult, Result: &result}); err != nil {
		t.Fatalf("write result: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := srv.WaitResult(ctx, resp.RequestID); !ok {
		t.Fatal("result never recorded")
	}

	httpResp, err := http.Get(httpSrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		"domlink_relay_agents 1",
		"domlink_relay_commands_total 1",
		`domlink_relay_results_total{status="warning"} 1`,
		`domlink_log_entries_total{category="relay",severity="warning"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}
}
