package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nupi-ai/domlink/internal/config"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/logstore"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/relay"
	"github.com/nupi-ai/domlink/internal/version"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvServerURL, "")
	t.Setenv(config.EnvToken, "")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func startTestRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.NewServer(relay.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		httpSrv.Close()
	})
	return srv, httpSrv
}

func emptyConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestBuildPayload(t *testing.T) {
	cmd := newSendCommand()
	if err := cmd.ParseFlags([]string{
		"--element", "email",
		"--selector", "#email",
		"--value", "",
		"--payload", `{"button":2}`,
		"--set", "behavior=instant",
	}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	p, err := buildPayload(cmd, " fill ")
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if p.Command != "fill" || p.ElementID != "email" {
		t.Fatalf("unexpected payload %+v", p)
	}
	want := map[string]any{"selector": "#email", "value": "", "button": float64(2), "behavior": "instant"}
	for k, v := range want {
		if p.Payload[k] != v {
			t.Errorf("payload[%s] = %v, want %v", k, p.Payload[k], v)
		}
	}

	bare := newSendCommand()
	p, err = buildPayload(bare, "click")
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if p.Payload != nil {
		t.Fatalf("expected no payload, got %v", p.Payload)
	}

	bad := newSendCommand()
	_ = bad.ParseFlags([]string{"--payload", "[1]"})
	if _, err := buildPayload(bad, "click"); err == nil {
		t.Fatal("expected an error for a non-object payload")
	}
	if _, err := buildPayload(newSendCommand(), "  "); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestRelayBaseURL(t *testing.T) {
	tests := []struct {
		listen string
		flag   string
		want   string
	}{
		{"127.0.0.1:8787", "", "http://127.0.0.1:8787"},
		{":9000", "", "http://127.0.0.1:9000"},
		{":9000", "https://relay.example/", "https://relay.example"},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{}
		addRelayFlags(cmd)
		if tt.flag != "" {
			_ = cmd.Flags().Set("relay", tt.flag)
		}
		cfg := config.Default()
		cfg.Server.Listen = tt.listen
		if got := relayBaseURL(cmd, cfg); got != tt.want {
			t.Errorf("relayBaseURL(%q, %q) = %q, want %q", tt.listen, tt.flag, got, tt.want)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]logbus.Severity{
		"":        "",
		"debug":   logbus.SeverityDebug,
		"WARN":    logbus.SeverityWarning,
		"warning": logbus.SeverityWarning,
		" error ": logbus.SeverityError,
	}
	for in, want := range tests {
		got, err := parseSeverity(in)
		if err != nil || got != want {
			t.Errorf("parseSeverity(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseSeverity("fatal"); err == nil {
		t.Error("expected an error for an unknown severity")
	}
}

func TestOriginPolicy(t *testing.T) {
	if originPolicy(nil) != nil {
		t.Fatal("no configured origins should keep the relay default")
	}
	allow := originPolicy([]string{"https://app.example"})
	if !allow("https://app.example") || !allow("") {
		t.Fatal("expected configured and empty origins to be allowed")
	}
	if allow("https://evil.example") {
		t.Fatal("expected unknown origin to be refused")
	}
}

func TestSendWaitsForResult(t *testing.T) {
	srv, httpSrv := startTestRelay(t)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("agent never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		var cmd protocol.CommandPayload
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		res := protocol.NewResult(protocol.StatusOK, protocol.SourceUI, cmd.RequestID, "Clicked 'btn1' (button: 0)")
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameResult, Result: &res})
	}()

	out, err := execute(t, "--config", emptyConfig(t), "send", "click", "--element", "btn1", "--relay", httpSrv.URL, "--wait", "2s")
	if err != nil {
		t.Fatalf("send: %v (output %q)", err, out)
	}
	if !strings.Contains(out, "[ok] Clicked 'btn1' (button: 0)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSendWithoutWaitPrintsRequestID(t *testing.T) {
	_, httpSrv := startTestRelay(t)

	out, err := execute(t, "--config", emptyConfig(t), "--json", "send", "focus", "--element", "name", "--relay", httpSrv.URL)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var resp relay.EnqueueResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.RequestID == "" || resp.Agents != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(version.ForTesting("1.4.0"))
	_, httpSrv := startTestRelay(t)

	out, err := execute(t, "--config", emptyConfig(t), "version", "--relay", httpSrv.URL)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Client: v1.4.0") || !strings.Contains(out, "Relay: v1.4.0 (0 agent(s))") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = execute(t, "--config", emptyConfig(t), "version", "--relay", "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Relay: unavailable") {
		t.Fatalf("expected relay to be unavailable, got %q", out)
	}
}

func TestLogsCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "domlink.db")
	store, err := logstore.Open(logstore.Options{Path: db})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	res := protocol.NewResult(protocol.StatusWarning, protocol.SourceUI, "req-1", "Target 'x' not found for click")
	for _, e := range []logbus.Entry{
		{ID: "1", Timestamp: time.Now(), Severity: logbus.SeverityInfo, Category: "connection", Message: "Connected"},
		{ID: "2", Timestamp: time.Now(), Severity: logbus.SeverityWarning, Category: "command", Message: res.Details, Result: &res},
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	store.Close()

	out, err := execute(t, "--config", emptyConfig(t), "logs", "--db", db, "--severity", "warning")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "Target 'x' not found for click [req-1]") {
		t.Fatalf("missing warning entry in %q", out)
	}
	if strings.Contains(out, "Connected") {
		t.Fatalf("info entry should be filtered out: %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := emptyConfig(t)
	if _, err := execute(t, "--config", path, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := execute(t, "--config", path, "config", "init"); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Server.Token = "secret-token"
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := execute(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "secret-token") {
		t.Fatalf("token leaked: %q", out)
	}
	if !strings.Contains(out, "listen:") || !strings.Contains(out, "127.0.0.1:8787") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAgentRequiresRelayAndPage(t *testing.T) {
	_, err := execute(t, "--config", emptyConfig(t), "agent", "--page", "https://example.test")
	if err == nil || !strings.Contains(err.Error(), "relay URL is required") {
		t.Fatalf("expected missing relay error, got %v", err)
	}
	_, err = execute(t, "--config", emptyConfig(t), "agent", "--url", "ws://127.0.0.1:1/ws")
	if err == nil || !strings.Contains(err.Error(), "page is required") {
		t.Fatalf("expected missing page error, got %v", err)
	}
	_, err = execute(t, "--config", emptyConfig(t), "agent", "--url", "ws://127.0.0.1:1/ws", "--page", "https://example.test", "--id", "bad id")
	if err == nil || !strings.Contains(err.Error(), "invalid agent id") {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}
