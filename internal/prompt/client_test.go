package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// flakyTransport fails the first n round trips with a transport error.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	var got requestBody
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		requestID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Prompt: "Explain the checkout button", Timestamp: 42})
	}))
	defer srv.Close()

	client := New(srv.URL, WithToken("secret"))
	resp, err := client.Generate(context.Background(), Request{
		Metadata: map[string]any{"elementId": "checkout"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Prompt != "Explain the checkout button" {
		t.Errorf("prompt = %q", resp.Prompt)
	}
	if requestID == "" || resp.RequestID != requestID {
		t.Errorf("request id = %q, header = %q", resp.RequestID, requestID)
	}
	if got.Metadata["elementId"] != "checkout" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
}

func TestGenerate_RetriesOnceOnNetworkError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(Response{Prompt: "ok"})
	}))
	defer srv.Close()

	transport := &flakyTransport{failures: 1, next: http.DefaultTransport}
	client := New(srv.URL, WithHTTPClient(&http.Client{Transport: transport}), withRetryDelay(time.Millisecond))

	resp, err := client.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Prompt != "ok" {
		t.Errorf("prompt = %q", resp.Prompt)
	}
	if n := transport.calls.Load(); n != 2 {
		t.Errorf("round trips = %d, want 2", n)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestGenerate_GivesUpAfterSecondNetworkError(t *testing.T) {
	t.Parallel()

	transport := &flakyTransport{failures: 5, next: http.DefaultTransport}
	client := New("http://prompt.invalid", WithHTTPClient(&http.Client{Transport: transport}), withRetryDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), Request{})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %T: %v", err, err)
	}
	if reqErr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", reqErr.Attempts)
	}
	if n := transport.calls.Load(); n != 2 {
		t.Errorf("round trips = %d, want 2", n)
	}
}

func TestGenerate_NoRetryOnHTTPError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, withRetryDelay(time.Millisecond))
	_, err := client.Generate(context.Background(), Request{})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError in chain, got %T: %v", err, err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
	if httpErr.Body != "model overloaded" {
		t.Errorf("body = %q", httpErr.Body)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestGenerate_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	transport := &flakyTransport{failures: 5, next: http.DefaultTransport}
	client := New("http://prompt.invalid", WithHTTPClient(&http.Client{Transport: transport}), withRetryDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDo_ClassifiesRetryableFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "bad" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{Prompt: "ok"})
	}))
	defer srv.Close()

	client := New(srv.URL)
	resp, retryable, err := client.do(context.Background(), "good", []byte(`{}`))
	if err != nil || retryable || resp == nil || resp.Prompt != "ok" {
		t.Fatalf("success: resp=%+v retryable=%v err=%v", resp, retryable, err)
	}

	_, retryable, err = client.do(context.Background(), "bad", []byte(`{}`))
	if err == nil || retryable {
		t.Fatalf("http error: retryable=%v err=%v", retryable, err)
	}

	broken := New(srv.URL, WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 1, next: http.DefaultTransport}}))
	_, retryable, err = broken.do(context.Background(), "good", []byte(`{}`))
	if err == nil || !retryable {
		t.Fatalf("transport error: retryable=%v err=%v", retryable, err)
	}
}
