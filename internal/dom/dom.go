// Package dom defines the page capability the command pipeline operates on.
// Implementations are injected at construction time: roddom drives a real
// browser tab over CDP, memdom is an in-process document used by tests and
// headless runs.
package dom

import (
	"context"
	"errors"
	"fmt"
)

// ElementIDAttr carries the logical element id used for targeting.
const ElementIDAttr = "data-elementid"

// RefreshKeyAttr is incremented by refresh_element.
const RefreshKeyAttr = "data-refresh-key"

// ErrDetached is returned when an element is no longer part of the document.
var ErrDetached = errors.New("dom: element detached")

// SelectorError reports a syntactically invalid selector.
type SelectorError struct {
	Selector string
	Err      error
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("dom: invalid selector %q: %v", e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error { return e.Err }

// IsSelectorError reports whether err is (or wraps) a SelectorError.
func IsSelectorError(err error) bool {
	var target *SelectorError
	return errors.As(err, &target)
}

// Rect is an element bounding box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// MouseInit carries MouseEvent initialisation fields.
type MouseInit struct {
	Button   int     `json:"button"`
	ClientX  float64 `json:"clientX"`
	ClientY  float64 `json:"clientY"`
	CtrlKey  bool    `json:"ctrlKey"`
	ShiftKey bool    `json:"shiftKey"`
	AltKey   bool    `json:"altKey"`
	MetaKey  bool    `json:"metaKey"`
}

// Event describes a DOM event to dispatch. Mouse selects a MouseEvent,
// Detail a CustomEvent; otherwise a plain Event is built.
type Event struct {
	Type       string         `json:"type"`
	Bubbles    bool           `json:"bubbles"`
	Cancelable bool           `json:"cancelable"`
	Mouse      *MouseInit     `json:"mouse,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// ScrollOptions mirrors ScrollIntoViewOptions.
type ScrollOptions struct {
	Behavior string `json:"behavior"`
	Block    string `json:"block"`
	Inline   string `json:"inline"`
}

// Option is one entry of a <select>.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Element is a live node handle.
type Element interface {
	// Handle is stable for the lifetime of the node and unique per document.
	Handle() string
	TagName(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, bool, error)
	SetAttr(ctx context.Context, name, value string) error
	RemoveAttr(ctx context.Context, name string) error
	Value(ctx context.Context) (string, error)
	SetValue(ctx context.Context, value string) error
	Options(ctx context.Context) ([]Option, error)
	SelectedIndex(ctx context.Context) (int, error)
	SetSelectedIndex(ctx context.Context, index int) error
	Disabled(ctx context.Context) (bool, error)
	Focus(ctx context.Context) error
	BoundingBox(ctx context.Context) (Rect, error)
	ScrollIntoView(ctx context.Context, opts ScrollOptions) error
	Style(ctx context.Context, property string) (string, error)
	SetStyle(ctx context.Context, property, value string) error
	AddClass(ctx context.Context, name string) error
	RemoveClass(ctx context.Context, name string) error
	Dispatch(ctx context.Context, ev Event) error
	Connected(ctx context.Context) bool
}

// Document is the page-level capability.
type Document interface {
	// QuerySelector returns nil without error when nothing matches and a
	// *SelectorError when the selector cannot be parsed.
	QuerySelector(ctx context.Context, selector string) (Element, error)
	QuerySelectorAll(ctx context.Context, selector string) ([]Element, error)
	// ActiveElement returns nil when focus rests on the body.
	ActiveElement(ctx context.Context) (Element, error)
	Dispatch(ctx context.Context, ev Event) error
	PrefersReducedMotion(ctx context.Context) bool
}

// ElementIDSelector builds the attribute selector for a logical element id.
func ElementIDSelector(elementID string) string {
	return fmt.Sprintf(`[%s="%s"]`, ElementIDAttr, Escape(elementID))
}

// SameElement compares two handles, treating nil as distinct from any element.
func SameElement(a, b Element) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Handle() == b.Handle()
}
