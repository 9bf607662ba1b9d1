package memdom

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/nupi-ai/domlink/internal/dom"
)

// Element wraps one html.Node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

// Handle implements dom.Element.
func (e *Element) Handle() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.stateLocked(e.node).handle
}

// TagName implements dom.Element; names are lower case.
func (e *Element) TagName(context.Context) (string, error) {
	return strings.ToLower(e.node.Data), nil
}

// Attr implements dom.Element.
func (e *Element) Attr(_ context.Context, name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := getAttr(e.node, name)
	return v, ok, nil
}

// SetAttr implements dom.Element.
func (e *Element) SetAttr(_ context.Context, name, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.node, name, value)
	return nil
}

// RemoveAttr implements dom.Element.
func (e *Element) RemoveAttr(_ context.Context, name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	removeAttr(e.node, name)
	return nil
}

// Value implements dom.Element following the form-control value rules.
func (e *Element) Value(context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.valueLocked(), nil
}

func (e *Element) valueLocked() string {
	st := e.doc.stateLocked(e.node)
	switch e.node.Data {
	case "select":
		opts := options(e.node)
		idx := e.selectedIndexLocked(opts)
		if idx < 0 {
			return ""
		}
		return opts[idx].Value
	case "textarea":
		if st.value != nil {
			return *st.value
		}
		return textContent(e.node)
	default:
		if st.value != nil {
			return *st.value
		}
		v, _ := getAttr(e.node, "value")
		return v
	}
}

// SetValue implements dom.Element. On a select the matching option becomes
// selected, or selection clears when none matches.
func (e *Element) SetValue(_ context.Context, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	st := e.doc.stateLocked(e.node)
	if e.node.Data == "select" {
		st.selectedIndex = -2
		for i, opt := range options(e.node) {
			if opt.Value == value {
				st.selectedIndex = i
				break
			}
		}
		return nil
	}
	v := value
	st.value = &v
	return nil
}

// Options implements dom.Element.
func (e *Element) Options(context.Context) ([]dom.Option, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return options(e.node), nil
}

// SelectedIndex implements dom.Element; -1 means no selection.
func (e *Element) SelectedIndex(context.Context) (int, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.selectedIndexLocked(options(e.node)), nil
}

func (e *Element) selectedIndexLocked(opts []dom.Option) int {
	st := e.doc.stateLocked(e.node)
	if st.selectedIndex == -2 {
		return -1
	}
	if st.selectedIndex >= 0 && st.selectedIndex < len(opts) {
		return st.selectedIndex
	}
	i := 0
	for _, n := range optionNodes(e.node) {
		if _, ok := getAttr(n, "selected"); ok {
			return i
		}
		i++
	}
	if len(opts) > 0 {
		return 0
	}
	return -1
}

// SetSelectedIndex implements dom.Element.
func (e *Element) SetSelectedIndex(_ context.Context, index int) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	opts := options(e.node)
	st := e.doc.stateLocked(e.node)
	if index < 0 || index >= len(opts) {
		st.selectedIndex = -2
		return nil
	}
	st.selectedIndex = index
	return nil
}

// Disabled implements dom.Element.
func (e *Element) Disabled(context.Context) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	_, ok := getAttr(e.node, "disabled")
	return ok, nil
}

// Focus implements dom.Element. Like a browser it silently ignores elements
// that are hidden, disabled or not focusable.
func (e *Element) Focus(context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.connectedLocked(e.node) || hidden(e.node) || !focusable(e.node) {
		return nil
	}
	e.doc.active = e.node
	return nil
}

// BoundingBox implements dom.Element from the data-rect attribute.
func (e *Element) BoundingBox(context.Context) (dom.Rect, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, ok := getAttr(e.node, "data-rect")
	if !ok {
		return dom.Rect{}, nil
	}
	parts := strings.Split(raw, ",")
	var vals [4]float64
	for i := 0; i < len(parts) && i < 4; i++ {
		vals[i], _ = strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
	}
	return dom.Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

// ScrollIntoView implements dom.Element by recording the request.
func (e *Element) ScrollIntoView(_ context.Context, opts dom.ScrollOptions) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	st := e.doc.stateLocked(e.node)
	st.scrolls = append(st.scrolls, opts)
	return nil
}

// Scrolls returns every ScrollIntoView request made on the element.
func (e *Element) Scrolls() []dom.ScrollOptions {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return append([]dom.ScrollOptions(nil), e.doc.stateLocked(e.node).scrolls...)
}

// Style implements dom.Element against the inline style attribute.
func (e *Element) Style(_ context.Context, property string) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, _ := getAttr(e.node, "style")
	for _, decl := range parseStyle(raw) {
		if decl.prop == property {
			return decl.value, nil
		}
	}
	return "", nil
}

// SetStyle implements dom.Element. An empty value removes the property.
func (e *Element) SetStyle(_ context.Context, property, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, _ := getAttr(e.node, "style")
	decls := parseStyle(raw)
	found := false
	out := decls[:0]
	for _, decl := range decls {
		if decl.prop == property {
			found = true
			if value == "" {
				continue
			}
			decl.value = value
		}
		out = append(out, decl)
	}
	if !found && value != "" {
		out = append(out, styleDecl{prop: property, value: value})
	}
	if len(out) == 0 {
		removeAttr(e.node, "style")
		return nil
	}
	setAttr(e.node, "style", formatStyle(out))
	return nil
}

// AddClass implements dom.Element.
func (e *Element) AddClass(_ context.Context, name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, _ := getAttr(e.node, "class")
	classes := strings.Fields(raw)
	for _, c := range classes {
		if c == name {
			return nil
		}
	}
	setAttr(e.node, "class", strings.Join(append(classes, name), " "))
	return nil
}

// RemoveClass implements dom.Element.
func (e *Element) RemoveClass(_ context.Context, name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, ok := getAttr(e.node, "class")
	if !ok {
		return nil
	}
	var kept []string
	for _, c := range strings.Fields(raw) {
		if c != name {
			kept = append(kept, c)
		}
	}
	setAttr(e.node, "class", strings.Join(kept, " "))
	return nil
}

// HasClass reports whether the class list contains name.
func (e *Element) HasClass(name string) bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	raw, _ := getAttr(e.node, "class")
	for _, c := range strings.Fields(raw) {
		if c == name {
			return true
		}
	}
	return false
}

// Dispatch implements dom.Element. Bubbling events visit ancestors and then
// document listeners.
func (e *Element) Dispatch(_ context.Context, ev dom.Event) error {
	e.doc.mu.Lock()
	st := e.doc.stateLocked(e.node)
	e.doc.events = append(e.doc.events, Dispatched{Target: st.handle, Event: ev})
	listeners := collect(st.listeners[ev.Type])
	if ev.Bubbles {
		for p := e.node.Parent; p != nil; p = p.Parent {
			if p.Type != html.ElementNode {
				continue
			}
			listeners = append(listeners, collect(e.doc.stateLocked(p).listeners[ev.Type])...)
		}
		if e.doc.connectedLocked(e.node) {
			listeners = append(listeners, collect(e.doc.docListeners[ev.Type])...)
		}
	}
	e.doc.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// Listen registers a listener on this element.
func (e *Element) Listen(eventType string, fn Listener) func() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.nextListener++
	id := e.doc.nextListener
	st := e.doc.stateLocked(e.node)
	st.listeners[eventType] = append(st.listeners[eventType], listenerEntry{id: id, fn: fn})
	return func() {
		e.doc.mu.Lock()
		defer e.doc.mu.Unlock()
		st.listeners[eventType] = without(st.listeners[eventType], id)
	}
}

// Connected implements dom.Element.
func (e *Element) Connected(context.Context) bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.connectedLocked(e.node)
}
