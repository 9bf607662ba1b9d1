package roddom

import (
	"context"
	"fmt"
)

// HistoryRouter navigates single-page apps through the History API and
// notifies the app with a popstate event, which is what client-side routers
// listen for.
type HistoryRouter struct {
	doc *Document
}

// NewHistoryRouter returns a router bound to doc's page.
func NewHistoryRouter(doc *Document) *HistoryRouter {
	return &HistoryRouter{doc: doc}
}

const historyJS = `function(method, path) {
	history[method](history.state, "", path);
	window.dispatchEvent(new PopStateEvent("popstate", { state: history.state }));
}`

// Push adds a history entry for path.
func (r *HistoryRouter) Push(ctx context.Context, path string) error {
	return r.navigate(ctx, "pushState", path)
}

// Replace swaps the current history entry for path.
func (r *HistoryRouter) Replace(ctx context.Context, path string) error {
	return r.navigate(ctx, "replaceState", path)
}

func (r *HistoryRouter) navigate(ctx context.Context, method, path string) error {
	if _, err := r.doc.page.Context(ctx).Eval(historyJS, method, path); err != nil {
		return fmt.Errorf("roddom: %s %s: %w", method, path, err)
	}
	return nil
}
