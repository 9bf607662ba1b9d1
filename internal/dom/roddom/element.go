package roddom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nupi-ai/domlink/internal/dom"
)

// Element wraps a rod element.
type Element struct {
	el     *rod.Element
	handle string
}

var _ dom.Element = (*Element)(nil)

// Handle implements dom.Element.
func (e *Element) Handle() string { return e.handle }

func (e *Element) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("roddom: element %s: %w", e.handle, err)
	}
	return res, nil
}

// TagName implements dom.Element.
func (e *Element) TagName(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, `function() { return this.tagName.toLowerCase(); }`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Attr implements dom.Element.
func (e *Element) Attr(ctx context.Context, name string) (string, bool, error) {
	res, err := e.eval(ctx, `function(name) {
		return this.hasAttribute(name) ? { ok: true, v: this.getAttribute(name) } : { ok: false, v: "" };
	}`, name)
	if err != nil {
		return "", false, err
	}
	return res.Value.Get("v").Str(), res.Value.Get("ok").Bool(), nil
}

// SetAttr implements dom.Element.
func (e *Element) SetAttr(ctx context.Context, name, value string) error {
	_, err := e.eval(ctx, `function(name, value) { this.setAttribute(name, value); }`, name, value)
	return err
}

// RemoveAttr implements dom.Element.
func (e *Element) RemoveAttr(ctx context.Context, name string) error {
	_, err := e.eval(ctx, `function(name) { this.removeAttribute(name); }`, name)
	return err
}

// Value implements dom.Element.
func (e *Element) Value(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, `function() { return this.value == null ? "" : String(this.value); }`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// SetValue implements dom.Element by assigning the value property directly.
func (e *Element) SetValue(ctx context.Context, value string) error {
	_, err := e.eval(ctx, `function(v) { this.value = v; }`, value)
	return err
}

// Options implements dom.Element.
func (e *Element) Options(ctx context.Context) ([]dom.Option, error) {
	res, err := e.eval(ctx, `function() {
		if (!this.options) return [];
		return Array.from(this.options).map(o => ({ value: o.value, label: o.label || o.text }));
	}`)
	if err != nil {
		return nil, err
	}
	var opts []dom.Option
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &opts); err != nil {
		return nil, fmt.Errorf("roddom: decode options: %w", err)
	}
	return opts, nil
}

// SelectedIndex implements dom.Element.
func (e *Element) SelectedIndex(ctx context.Context) (int, error) {
	res, err := e.eval(ctx, `function() { return typeof this.selectedIndex === "number" ? this.selectedIndex : -1; }`)
	if err != nil {
		return -1, err
	}
	return res.Value.Int(), nil
}

// SetSelectedIndex implements dom.Element.
func (e *Element) SetSelectedIndex(ctx context.Context, index int) error {
	_, err := e.eval(ctx, `function(i) { this.selectedIndex = i; }`, index)
	return err
}

// Disabled implements dom.Element.
func (e *Element) Disabled(ctx context.Context) (bool, error) {
	res, err := e.eval(ctx, `function() { return !!this.disabled; }`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Focus implements dom.Element.
func (e *Element) Focus(ctx context.Context) error {
	_, err := e.eval(ctx, `function() { this.focus(); }`)
	return err
}

// BoundingBox implements dom.Element.
func (e *Element) BoundingBox(ctx context.Context) (dom.Rect, error) {
	res, err := e.eval(ctx, `function() {
		const r = this.getBoundingClientRect();
		return { x: r.left, y: r.top, width: r.width, height: r.height };
	}`)
	if err != nil {
		return dom.Rect{}, err
	}
	return dom.Rect{
		X:      res.Value.Get("x").Num(),
		Y:      res.Value.Get("y").Num(),
		Width:  res.Value.Get("width").Num(),
		Height: res.Value.Get("height").Num(),
	}, nil
}

// ScrollIntoView implements dom.Element.
func (e *Element) ScrollIntoView(ctx context.Context, opts dom.ScrollOptions) error {
	_, err := e.eval(ctx, `function(o) { this.scrollIntoView(o); }`, opts)
	return err
}

// Style implements dom.Element against the inline style declaration.
func (e *Element) Style(ctx context.Context, property string) (string, error) {
	res, err := e.eval(ctx, `function(p) { return this.style.getPropertyValue(p); }`, property)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// SetStyle implements dom.Element. An empty value removes the property.
func (e *Element) SetStyle(ctx context.Context, property, value string) error {
	_, err := e.eval(ctx, `function(p, v) {
		if (v === "") this.style.removeProperty(p); else this.style.setProperty(p, v);
	}`, property, value)
	return err
}

// AddClass implements dom.Element.
func (e *Element) AddClass(ctx context.Context, name string) error {
	_, err := e.eval(ctx, `function(c) { this.classList.add(c); }`, name)
	return err
}

// RemoveClass implements dom.Element.
func (e *Element) RemoveClass(ctx context.Context, name string) error {
	_, err := e.eval(ctx, `function(c) { this.classList.remove(c); }`, name)
	return err
}

// Dispatch implements dom.Element.
func (e *Element) Dispatch(ctx context.Context, ev dom.Event) error {
	_, err := e.eval(ctx, `function(ev) { this.dispatchEvent(`+buildEventJS+`); }`, ev)
	return err
}

// Connected implements dom.Element.
func (e *Element) Connected(ctx context.Context) bool {
	res, err := e.eval(ctx, `function() { return this.isConnected; }`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}
