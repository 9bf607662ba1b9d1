// Package prompt calls the AI prompt-generation service with the context of
// an element the user pointed at.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/protocol"
)

const maxResponseSize = 1 << 20

// Request is the element context sent to the generator.
type Request struct {
	Metadata map[string]any `json:"metadata"`
	Context  map[string]any `json:"context,omitempty"`
}

type requestBody struct {
	Metadata  map[string]any `json:"metadata"`
	Timestamp int64          `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Response is the generated prompt.
type Response struct {
	Prompt    string         `json:"prompt"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// RequestID is the X-Request-ID the call was sent with.
	RequestID string `json:"-"`
}

// HTTPError is returned for a non-2xx response. It is never retried.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("prompt: server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("prompt: server returned %d: %s", e.StatusCode, e.Body)
}

// RequestError reports a request that failed after every attempt.
type RequestError struct {
	RequestID string
	Attempts  int
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("prompt: request %s failed after %d attempt(s): %v", e.RequestID, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client posts element context to the prompt endpoint.
type Client struct {
	url        string
	client     *http.Client
	token      string
	timeout    time.Duration
	retryDelay time.Duration
	retries    int
	newID      func() string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithToken sends an Authorization bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// withRetryDelay overrides the pause before the retry (for testing).
func withRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a client for the endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		client:     &http.Client{},
		timeout:    constants.PromptRequestTimeout,
		retryDelay: constants.PromptRetryDelay,
		retries:    1,
		newID:      uuid.NewString,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate requests a prompt for the element described by req. Network
// failures are retried once; HTTP error statuses are returned as *HTTPError
// inside the *RequestError without a retry.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	requestID := c.newID()
	body, err := json.Marshal(requestBody{
		Metadata:  req.Metadata,
		Timestamp: protocol.NowMillis(),
		Context:   req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("prompt: marshal request: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &RequestError{RequestID: requestID, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}
		attempts++

		resp, shouldRetry, err := c.do(ctx, requestID, body)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("prompt request failed",
			zap.String("request_id", requestID),
			zap.Int("attempt", attempts),
			zap.Bool("retry", shouldRetry && attempt < c.retries),
			zap.Error(err))
		if !shouldRetry {
			break
		}
	}
	return nil, &RequestError{RequestID: requestID, Attempts: attempts, Err: lastErr}
}

// do performs a single attempt. The bool reports whether the failure is a
// transport error worth retrying.
func (c *Client) do(ctx context.Context, requestID string, body []byte) (*Response, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, !errors.Is(err, context.Canceled), fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxResponseSize {
		return nil, false, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	return &out, false, nil
}
