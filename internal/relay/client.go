package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nupi-ai/domlink/internal/protocol"
)

// ErrNoResult is returned by Client.Result when the relay has no result
// for the request (yet).
var ErrNoResult = errors.New("relay: no result")

// Client talks to a relay's HTTP API.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient returns a client for the relay at baseURL (http[s]://host:port).
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{},
	}
}

// Send queues payload and returns the assigned request id.
func (c *Client) Send(ctx context.Context, payload protocol.CommandPayload) (EnqueueResponse, error) {
	var out EnqueueResponse
	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("relay: marshal command: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/commands", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	err = c.do(req, http.StatusAccepted, &out)
	return out, err
}

// Result fetches the result for requestID, long-polling up to wait when
// wait is positive.
func (c *Client) Result(ctx context.Context, requestID string, wait time.Duration) (protocol.CommandResult, error) {
	var out protocol.CommandResult
	path := "/results/" + url.PathEscape(requestID)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	err = c.do(req, http.StatusOK, &out)
	return out, err
}

// Agents lists the agents connected to the relay.
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var out []AgentInfo
	req, err := c.newRequest(ctx, http.MethodGet, "/agents", nil)
	if err != nil {
		return nil, err
	}
	err = c.do(req, http.StatusOK, &out)
	return out, err
}

// Health reports the relay's status and build version.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return out, err
	}
	err = c.do(req, http.StatusOK, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/results/") {
		return ErrNoResult
	}
	if resp.StatusCode != want {
		var envelope ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err == nil && envelope.Error != "" {
			return fmt.Errorf("relay: %s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("relay: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay: decode response: %w", err)
	}
	return nil
}
