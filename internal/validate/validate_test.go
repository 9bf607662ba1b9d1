package validate

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// HTTPURL / WebSocketURL
// ---------------------------------------------------------------------------

func TestHTTPURL_Valid(t *testing.T) {
	for _, url := range []string{
		"http://127.0.0.1:8787",
		"https://prompts.example.com/generate",
	} {
		if err := HTTPURL(url); err != nil {
			t.Errorf("HTTPURL(%q) = %v, want nil", url, err)
		}
	}
}

func TestHTTPURL_DisallowedSchemes(t *testing.T) {
	tests := []struct {
		url    string
		errMsg string
	}{
		{"file:///etc/passwd", "not allowed"},
		{"ftp://example.com/file", "not allowed"},
		{"ws://example.com/ws", "not allowed"},
		{"javascript:alert(1)", "not allowed"},
	}
	for _, tc := range tests {
		err := HTTPURL(tc.url)
		if err == nil {
			t.Fatalf("HTTPURL(%q): expected error, got nil", tc.url)
		}
		if !strings.Contains(err.Error(), tc.errMsg) {
			t.Errorf("HTTPURL(%q) error = %q, want it to contain %q", tc.url, err.Error(), tc.errMsg)
		}
	}
}

func TestHTTPURL_MissingScheme(t *testing.T) {
	err := HTTPURL("example.com/generate")
	if err == nil {
		t.Fatal("expected error for URL with no scheme")
	}
	if !strings.Contains(err.Error(), "missing scheme") {
		t.Errorf("error = %q, want it to mention missing scheme", err.Error())
	}
}

func TestHTTPURL_MissingHost(t *testing.T) {
	for _, url := range []string{"http://", "https://", "http:///path/only"} {
		err := HTTPURL(url)
		if err == nil {
			t.Fatalf("HTTPURL(%q): expected error for missing host, got nil", url)
		}
		if !strings.Contains(err.Error(), "missing host") {
			t.Errorf("HTTPURL(%q) error = %q, want it to mention missing host", url, err.Error())
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	for _, url := range []string{"ws://127.0.0.1:8787/ws", "wss://relay.example.com/ws"} {
		if err := WebSocketURL(url); err != nil {
			t.Errorf("WebSocketURL(%q) = %v, want nil", url, err)
		}
	}
	tests := []struct {
		url    string
		errMsg string
	}{
		{"http://relay.example.com/ws", "only ws/wss"},
		{"ws:///ws", "missing host"},
		{"relay.example.com/ws", "missing scheme"},
	}
	for _, tc := range tests {
		err := WebSocketURL(tc.url)
		if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
			t.Errorf("WebSocketURL(%q) = %v, want error containing %q", tc.url, err, tc.errMsg)
		}
	}
}

// ---------------------------------------------------------------------------
// IsLoopbackURL / IsPrivateURL
// ---------------------------------------------------------------------------

func TestIsLoopbackURL(t *testing.T) {
	tests := map[string]bool{
		"http://localhost:3000":   true,
		"http://LOCALHOST":        true,
		"ws://127.0.0.1:8787/ws":  true,
		"http://[::1]:8080":       true,
		"http://10.0.0.5":         false,
		"https://app.example.com": false,
		"://bad":                  false,
	}
	for url, want := range tests {
		if got := IsLoopbackURL(url); got != want {
			t.Errorf("IsLoopbackURL(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestIsPrivateURL(t *testing.T) {
	tests := map[string]bool{
		"ws://127.0.0.1:8787/ws":            true,
		"ws://10.0.0.1/ws":                  true,
		"ws://172.16.0.1/ws":                true,
		"ws://192.168.1.1/ws":               true,
		"http://169.254.169.254/latest":     true,
		"ws://0.0.0.0:8787/ws":              true,
		"ws://localhost/ws":                 true,
		"ws://8.8.8.8/ws":                   false,
		"wss://relay.example.com/ws":        false,
		"ws://internal.corp.example.com/ws": false,
	}
	for url, want := range tests {
		if got := IsPrivateURL(url); got != want {
			t.Errorf("IsPrivateURL(%q) = %v, want %v", url, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Ident
// ---------------------------------------------------------------------------

func TestIdent_Valid(t *testing.T) {
	for _, s := range []string{
		"page-7", "checkout.agent", "my_agent",
		"Agent123", "a", "9start",
		"5f0c2c8e-2b4d-4c9a-9a57-0d3c4e5f6a7b",
		strings.Repeat("a", MaxIdentLen),
	} {
		if !Ident(s) {
			t.Errorf("Ident(%q) = false, want true", s)
		}
	}
}

func TestIdent_Invalid(t *testing.T) {
	for _, s := range []string{
		"", "-start", ".start", "_start",
		"has space", "has/slash", "café",
		strings.Repeat("a", MaxIdentLen+1),
	} {
		if Ident(s) {
			t.Errorf("Ident(%q) = true, want false", s)
		}
	}
}
