// Package roddom implements dom.Document on a live browser tab driven by
// go-rod over the Chrome DevTools Protocol. Every operation runs as a small
// function evaluated in the page with the element bound to this.
package roddom

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/google/uuid"

	"github.com/nupi-ai/domlink/internal/dom"
)

// HandleAttr tags elements with a stable handle so repeated lookups of the
// same node agree on identity.
const HandleAttr = "data-domlink-handle"

// Document wraps a rod page.
type Document struct {
	page *rod.Page
}

var _ dom.Document = (*Document)(nil)

// New wraps page.
func New(page *rod.Page) *Document {
	return &Document{page: page}
}

// Page exposes the underlying rod page.
func (d *Document) Page() *rod.Page {
	return d.page
}

const validateSelectorJS = `function(sel) {
	try { document.createDocumentFragment().querySelector(sel); return ""; }
	catch (e) { return String(e && e.message || e); }
}`

// QuerySelector implements dom.Document.
func (d *Document) QuerySelector(ctx context.Context, selector string) (dom.Element, error) {
	all, err := d.QuerySelectorAll(ctx, selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// QuerySelectorAll implements dom.Document. Unlike rod's Element helpers it
// never waits for a match.
func (d *Document) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	page := d.page.Context(ctx)
	res, err := page.Eval(validateSelectorJS, selector)
	if err != nil {
		return nil, fmt.Errorf("roddom: validate selector: %w", err)
	}
	if msg := res.Value.Str(); msg != "" {
		return nil, &dom.SelectorError{Selector: selector, Err: errors.New(msg)}
	}

	els, err := page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("roddom: query %q: %w", selector, err)
	}
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		wrapped, err := wrap(ctx, el)
		if err != nil {
			return nil, err
		}
		out = append(out, wrapped)
	}
	return out, nil
}

// ActiveElement implements dom.Document.
func (d *Document) ActiveElement(ctx context.Context) (dom.Element, error) {
	page := d.page.Context(ctx)
	res, err := page.Eval(`function() {
		const el = document.activeElement;
		return !!el && el !== document.body && el !== document.documentElement;
	}`)
	if err != nil {
		return nil, fmt.Errorf("roddom: active element: %w", err)
	}
	if !res.Value.Bool() {
		return nil, nil
	}
	el, err := page.ElementByJS(rod.Eval(`() => document.activeElement`))
	if err != nil {
		return nil, fmt.Errorf("roddom: active element: %w", err)
	}
	return wrap(ctx, el)
}

// Dispatch implements dom.Document by dispatching on document.
func (d *Document) Dispatch(ctx context.Context, ev dom.Event) error {
	_, err := d.page.Context(ctx).Eval(`function(ev) {
		document.dispatchEvent(`+buildEventJS+`);
	}`, ev)
	if err != nil {
		return fmt.Errorf("roddom: dispatch %s on document: %w", ev.Type, err)
	}
	return nil
}

// PrefersReducedMotion implements dom.Document via matchMedia.
func (d *Document) PrefersReducedMotion(ctx context.Context) bool {
	res, err := d.page.Context(ctx).Eval(`function() {
		return !!(window.matchMedia && window.matchMedia("(prefers-reduced-motion: reduce)").matches);
	}`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// buildEventJS expects a variable ev shaped like dom.Event and evaluates to
// the constructed event.
const buildEventJS = `(function(ev) {
	const init = { bubbles: !!ev.bubbles, cancelable: !!ev.cancelable };
	if (ev.mouse) {
		Object.assign(init, ev.mouse, { view: window });
		return new MouseEvent(ev.type, init);
	}
	if (ev.detail) {
		init.detail = ev.detail;
		return new CustomEvent(ev.type, init);
	}
	return new Event(ev.type, init);
})(ev)`

func wrap(ctx context.Context, el *rod.Element) (*Element, error) {
	res, err := el.Context(ctx).Eval(`function(attr, fresh) {
		let h = this.getAttribute(attr);
		if (!h) { h = fresh; this.setAttribute(attr, h); }
		return h;
	}`, HandleAttr, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("roddom: tag element: %w", err)
	}
	return &Element{el: el, handle: res.Value.Str()}, nil
}
