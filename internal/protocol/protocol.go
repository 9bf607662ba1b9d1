// Package protocol defines the command, result and relay frame types shared
// by the agent, the relay and the CLI.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandPayload is the inbound unit of work pushed by the server.
type CommandPayload struct {
	Command   string         `json:"command"`
	ElementID string         `json:"elementId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"requestId"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Status classifies a command outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Source names the component that produced a result.
type Source string

const (
	SourceUI         Source = "ui"
	SourceConnection Source = "connection"
)

// WarningReason enumerates non-fatal targeting issues.
type WarningReason string

const (
	ReasonNotFound        WarningReason = "not-found"
	ReasonInvalidSelector WarningReason = "invalid-selector"
	ReasonNoTarget        WarningReason = "no-target-provided"
	ReasonMultipleMatches WarningReason = "multiple-matches"
)

// TargetResolutionWarning records one non-fatal issue met while resolving a target.
type TargetResolutionWarning struct {
	ElementID string        `json:"elementId,omitempty"`
	Selector  string        `json:"selector,omitempty"`
	Reason    WarningReason `json:"reason"`
}

func (w TargetResolutionWarning) String() string {
	switch {
	case w.ElementID != "":
		return fmt.Sprintf("%s (elementId %q)", w.Reason, w.ElementID)
	case w.Selector != "":
		return fmt.Sprintf("%s (selector %q)", w.Reason, w.Selector)
	default:
		return string(w.Reason)
	}
}

// CommandResult is the outbound unit of work.
type CommandResult struct {
	Status    Status                    `json:"status"`
	RequestID string                    `json:"requestId,omitempty"`
	Details   string                    `json:"details"`
	Timestamp int64                     `json:"timestamp"`
	Source    Source                    `json:"source"`
	Warnings  []TargetResolutionWarning `json:"warnings,omitempty"`
}

// Error implements error so connection failures can travel through error channels.
func (r *CommandResult) Error() string {
	return r.Details
}

// NewResult builds a result stamped with the current time.
func NewResult(status Status, source Source, requestID, details string) CommandResult {
	return CommandResult{
		Status:    status,
		RequestID: requestID,
		Details:   details,
		Timestamp: NowMillis(),
		Source:    source,
	}
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Frame types exchanged between relay and agent.
const (
	FrameResult = "result"
	FrameHello  = "hello"
)

// Frame wraps non-command traffic sent by the agent.
type Frame struct {
	Type    string         `json:"type"`
	Result  *CommandResult `json:"result,omitempty"`
	Version string         `json:"version,omitempty"`
	AgentID string         `json:"agentId,omitempty"`
}

// DecodeCommand inspects a decoded JSON value and returns the command payload
// when the value is an object carrying a string "command" field. The returned
// reason describes the shape mismatch otherwise.
func DecodeCommand(raw []byte) (CommandPayload, string, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return CommandPayload{}, "", err
	}
	obj, ok := generic.(map[string]any)
	if !ok || obj == nil {
		return CommandPayload{}, fmt.Sprintf("expected JSON object, got %s", jsonKind(generic)), nil
	}
	cmdValue, present := obj["command"]
	if !present {
		return CommandPayload{}, "missing \"command\" field", nil
	}
	if _, ok := cmdValue.(string); !ok {
		return CommandPayload{}, fmt.Sprintf("\"command\" must be a string, got %s", jsonKind(cmdValue)), nil
	}

	var payload CommandPayload
	payload.Command = cmdValue.(string)
	if v, ok := obj["elementId"].(string); ok {
		payload.ElementID = v
	}
	if v, ok := obj["requestId"].(string); ok {
		payload.RequestID = v
	}
	if v, ok := obj["payload"].(map[string]any); ok {
		payload.Payload = v
	}
	if v, ok := obj["timestamp"].(float64); ok {
		payload.Timestamp = int64(v)
	}
	return payload, "", nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
