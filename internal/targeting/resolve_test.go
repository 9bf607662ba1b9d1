package targeting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/dom/memdom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

const page = `<html><body><main id="app">
<button data-elementid="save" class="primary">Save</button>
<button class="secondary">Cancel</button>
<span data-elementid="dup">a</span><span data-elementid="dup">b</span>
</main></body></html>`

func fast(req Request) Request {
	req.Interval = time.Millisecond
	return req
}

// countingDoc records lookups.
type countingDoc struct {
	dom.Document
	queries []string
}

func (c *countingDoc) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	c.queries = append(c.queries, selector)
	return c.Document.QuerySelectorAll(ctx, selector)
}

func TestResolveElementIDWinsOverSelector(t *testing.T) {
	doc := memdom.MustParse(page)
	res := Resolve(context.Background(), doc, fast(Request{ElementID: "save", Selector: ".secondary"}))

	require.True(t, res.Found())
	require.Empty(t, res.Warnings)
	require.True(t, dom.SameElement(res.Element, doc.Find(`[data-elementid="save"]`)))
}

func TestResolveFallsBackToSelectorKeepingWarning(t *testing.T) {
	doc := &countingDoc{Document: memdom.MustParse(page)}
	res := Resolve(context.Background(), doc, fast(Request{ElementID: "ghost", Selector: ".secondary"}))

	require.True(t, res.Found())
	require.Equal(t, []protocol.TargetResolutionWarning{{ElementID: "ghost", Reason: protocol.ReasonNotFound}}, res.Warnings)
	require.Len(t, doc.queries, 6, "five id lookups then one selector lookup")
}

func TestResolveNoTarget(t *testing.T) {
	doc := &countingDoc{Document: memdom.MustParse(page)}
	res := Resolve(context.Background(), doc, Request{})

	require.False(t, res.Found())
	require.Equal(t, []protocol.TargetResolutionWarning{{Reason: protocol.ReasonNoTarget}}, res.Warnings)
	require.Empty(t, doc.queries)
}

func TestResolveInvalidSelectorDoesNotRetry(t *testing.T) {
	doc := &countingDoc{Document: memdom.MustParse(page)}
	res := Resolve(context.Background(), doc, fast(Request{Selector: "button[", Retries: 5}))

	require.False(t, res.Found())
	require.Equal(t, []protocol.TargetResolutionWarning{{Selector: "button[", Reason: protocol.ReasonInvalidSelector}}, res.Warnings)
	require.Len(t, doc.queries, 1)
}

func TestResolveMultipleMatches(t *testing.T) {
	doc := memdom.MustParse(page)
	res := Resolve(context.Background(), doc, fast(Request{ElementID: "dup"}))

	require.True(t, res.Found())
	require.Equal(t, []protocol.TargetResolutionWarning{{ElementID: "dup", Reason: protocol.ReasonMultipleMatches}}, res.Warnings)
}

func TestResolveWaitsForLateMount(t *testing.T) {
	doc := memdom.MustParse(page)
	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = doc.Append("#app", `<input data-elementid="late">`)
	}()

	res := Resolve(context.Background(), doc, Request{ElementID: "late", Retries: 20, Interval: 5 * time.Millisecond})
	require.True(t, res.Found())
	require.Empty(t, res.Warnings)
}

func TestResolveNoSleepAfterLastAttempt(t *testing.T) {
	doc := memdom.MustParse(page)
	start := time.Now()
	res := Resolve(context.Background(), doc, Request{ElementID: "ghost", Retries: 3, Interval: 40 * time.Millisecond})

	require.False(t, res.Found())
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	require.Less(t, elapsed, 120*time.Millisecond+80*time.Millisecond)
}

func TestResolveContextCancelStopsRetries(t *testing.T) {
	doc := &countingDoc{Document: memdom.MustParse(page)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Resolve(ctx, doc, Request{ElementID: "ghost", Retries: 5, Interval: time.Second})
	require.False(t, res.Found())
	require.Equal(t, []protocol.TargetResolutionWarning{{ElementID: "ghost", Reason: protocol.ReasonNotFound}}, res.Warnings)
	require.Len(t, doc.queries, 1)
}

func TestResolveEscapesElementID(t *testing.T) {
	doc := memdom.MustParse(`<div data-elementid='a"b]'>x</div>`)
	res := Resolve(context.Background(), doc, fast(Request{ElementID: `a"b]`}))
	require.True(t, res.Found())
}
