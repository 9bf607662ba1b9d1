// Package targeting turns a logical element reference into a live element.
package targeting

import (
	"context"
	"time"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// Request describes what to look for. At least one of ElementID and
// Selector should be set.
type Request struct {
	ElementID string
	Selector  string
	// Retries is the number of lookups per strategy (default 5).
	Retries int
	// Interval separates lookups (default 100ms). There is no wait after
	// the final lookup.
	Interval time.Duration
}

// Result is the outcome of Resolve. Element is nil when nothing matched.
type Result struct {
	Element  dom.Element
	Warnings []protocol.TargetResolutionWarning
}

// Found reports whether an element was resolved.
func (r Result) Found() bool {
	return r.Element != nil
}

// Resolve looks the target up by logical id first and falls back to the CSS
// selector. A successful id lookup never consults the selector. Warnings
// collected by a failed id lookup are kept alongside a selector match.
func Resolve(ctx context.Context, doc dom.Document, req Request) Result {
	if req.Retries <= 0 {
		req.Retries = constants.TargetRetries
	}
	if req.Interval <= 0 {
		req.Interval = constants.TargetRetryInterval
	}

	var res Result
	if req.ElementID == "" && req.Selector == "" {
		res.Warnings = append(res.Warnings, protocol.TargetResolutionWarning{Reason: protocol.ReasonNoTarget})
		return res
	}

	if req.ElementID != "" {
		el, warns := lookup(ctx, doc, dom.ElementIDSelector(req.ElementID), req, func(reason protocol.WarningReason) protocol.TargetResolutionWarning {
			return protocol.TargetResolutionWarning{ElementID: req.ElementID, Reason: reason}
		})
		res.Warnings = append(res.Warnings, warns...)
		if el != nil {
			res.Element = el
			return res
		}
	}

	if req.Selector != "" {
		el, warns := lookup(ctx, doc, req.Selector, req, func(reason protocol.WarningReason) protocol.TargetResolutionWarning {
			return protocol.TargetResolutionWarning{Selector: req.Selector, Reason: reason}
		})
		res.Warnings = append(res.Warnings, warns...)
		res.Element = el
	}
	return res
}

func lookup(ctx context.Context, doc dom.Document, selector string, req Request, warn func(protocol.WarningReason) protocol.TargetResolutionWarning) (dom.Element, []protocol.TargetResolutionWarning) {
	for attempt := 0; attempt < req.Retries; attempt++ {
		matches, err := doc.QuerySelectorAll(ctx, selector)
		if err != nil {
			if dom.IsSelectorError(err) {
				return nil, []protocol.TargetResolutionWarning{warn(protocol.ReasonInvalidSelector)}
			}
			// Transient lookup failures (page navigating, CDP hiccup) count
			// as a miss for this attempt.
			matches = nil
		}
		switch {
		case len(matches) == 1:
			return matches[0], nil
		case len(matches) > 1:
			return matches[0], []protocol.TargetResolutionWarning{warn(protocol.ReasonMultipleMatches)}
		}

		if attempt == req.Retries-1 {
			break
		}
		if !sleep(ctx, req.Interval) {
			break
		}
	}
	return nil, []protocol.TargetResolutionWarning{warn(protocol.ReasonNotFound)}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
