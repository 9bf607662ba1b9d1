// Package memdom is an in-process dom.Document built on golang.org/x/net/html
// with cascadia selectors. It has no layout engine: bounding boxes come from a
// data-rect="x,y,w,h" attribute when present.
package memdom

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/nupi-ai/domlink/internal/dom"
)

// Listener observes events dispatched on a node or the document.
type Listener func(ev dom.Event)

// Dispatched is one entry of the document event log.
type Dispatched struct {
	Target string
	Event  dom.Event
}

// Mutation reports elements inserted into or removed from the document.
type Mutation struct {
	Added   []*Element
	Removed []*Element
}

type nodeState struct {
	handle        string
	value         *string
	selectedIndex int
	listeners     map[string][]listenerEntry
	scrolls       []dom.ScrollOptions
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Document is a mutable HTML document safe for concurrent use.
type Document struct {
	mu            sync.Mutex
	root          *html.Node
	states        map[*html.Node]*nodeState
	nextHandle    int
	nextListener  uint64
	active        *html.Node
	reducedMotion bool
	docListeners  map[string][]listenerEntry
	events        []Dispatched
	observers     map[uint64]func(Mutation)
}

var _ dom.Document = (*Document)(nil)

// Parse builds a document from HTML source.
func Parse(source string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("memdom: parse: %w", err)
	}
	return &Document{
		root:         root,
		states:       make(map[*html.Node]*nodeState),
		docListeners: make(map[string][]listenerEntry),
		observers:    make(map[uint64]func(Mutation)),
	}, nil
}

// MustParse is Parse for fixtures; it panics on error.
func MustParse(source string) *Document {
	doc, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return doc
}

// SetReducedMotion toggles the prefers-reduced-motion media signal.
func (d *Document) SetReducedMotion(v bool) {
	d.mu.Lock()
	d.reducedMotion = v
	d.mu.Unlock()
}

// PrefersReducedMotion implements dom.Document.
func (d *Document) PrefersReducedMotion(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reducedMotion
}

// QuerySelector implements dom.Document.
func (d *Document) QuerySelector(ctx context.Context, selector string) (dom.Element, error) {
	matches, err := d.query(selector)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// QuerySelectorAll implements dom.Document.
func (d *Document) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	matches, err := d.query(selector)
	if err != nil {
		return nil, err
	}
	out := make([]dom.Element, 0, len(matches))
	for _, m := range matches {
		out = append(out, m)
	}
	return out, nil
}

// Find is QuerySelector returning the concrete type, for fixtures.
func (d *Document) Find(selector string) *Element {
	matches, err := d.query(selector)
	if err != nil || len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (d *Document) query(selector string) ([]*Element, error) {
	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, &dom.SelectorError{Selector: selector, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := cascadia.QueryAll(d.root, group)
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrapLocked(n))
	}
	return out, nil
}

// ActiveElement implements dom.Document.
func (d *Document) ActiveElement(context.Context) (dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil || !d.connectedLocked(d.active) {
		return nil, nil
	}
	return d.wrapLocked(d.active), nil
}

// Dispatch implements dom.Document by delivering the event to document listeners.
func (d *Document) Dispatch(ctx context.Context, ev dom.Event) error {
	d.mu.Lock()
	d.events = append(d.events, Dispatched{Target: "document", Event: ev})
	listeners := collect(d.docListeners[ev.Type])
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// Listen registers a document-level listener. Bubbling events dispatched on
// elements reach it too.
func (d *Document) Listen(eventType string, fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextListener++
	id := d.nextListener
	d.docListeners[eventType] = append(d.docListeners[eventType], listenerEntry{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.docListeners[eventType] = without(d.docListeners[eventType], id)
	}
}

// Events returns the log of every dispatched event.
func (d *Document) Events() []Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dispatched(nil), d.events...)
}

// EventTypes returns the dispatched event types for one target handle.
func (d *Document) EventTypes(target string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		if e.Target == target {
			out = append(out, e.Event.Type)
		}
	}
	return out
}

// Observe registers a mutation callback and returns a function removing it.
func (d *Document) Observe(fn func(Mutation)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextListener++
	id := d.nextListener
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Append parses fragment as children of the first element matching
// parentSelector and notifies observers.
func (d *Document) Append(parentSelector, fragment string) ([]*Element, error) {
	parent := d.Find(parentSelector)
	if parent == nil {
		return nil, fmt.Errorf("memdom: no parent matches %q", parentSelector)
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent.node)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse fragment: %w", err)
	}

	d.mu.Lock()
	var added []*Element
	for _, n := range nodes {
		parent.node.AppendChild(n)
		walkElements(n, func(el *html.Node) {
			added = append(added, d.wrapLocked(el))
		})
	}
	observers := d.observersLocked()
	d.mu.Unlock()

	d.notify(observers, Mutation{Added: added})
	return added, nil
}

// Remove detaches the element subtree and notifies observers.
func (d *Document) Remove(el *Element) {
	if el == nil {
		return
	}
	d.mu.Lock()
	if el.node.Parent == nil {
		d.mu.Unlock()
		return
	}
	var removed []*Element
	walkElements(el.node, func(n *html.Node) {
		removed = append(removed, d.wrapLocked(n))
		if n == d.active {
			d.active = nil
		}
	})
	el.node.Parent.RemoveChild(el.node)
	observers := d.observersLocked()
	d.mu.Unlock()

	d.notify(observers, Mutation{Removed: removed})
}

// HTML renders the current document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	_ = html.Render(&b, d.root)
	return b.String()
}

func (d *Document) observersLocked() []func(Mutation) {
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Mutation), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func (d *Document) notify(observers []func(Mutation), m Mutation) {
	if len(m.Added) == 0 && len(m.Removed) == 0 {
		return
	}
	for _, fn := range observers {
		fn(m)
	}
}

func (d *Document) wrapLocked(n *html.Node) *Element {
	d.stateLocked(n)
	return &Element{doc: d, node: n}
}

func (d *Document) stateLocked(n *html.Node) *nodeState {
	st, ok := d.states[n]
	if !ok {
		d.nextHandle++
		st = &nodeState{
			handle:        fmt.Sprintf("node-%d", d.nextHandle),
			selectedIndex: -1,
			listeners:     make(map[string][]listenerEntry),
		}
		d.states[n] = st
	}
	return st
}

func (d *Document) connectedLocked(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == d.root {
			return true
		}
	}
	return false
}

func walkElements(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func collect(entries []listenerEntry) []Listener {
	out := make([]Listener, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.fn)
	}
	return out
}

func without(entries []listenerEntry, id uint64) []listenerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
