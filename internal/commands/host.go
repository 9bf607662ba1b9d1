package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// navigate hands the destination to the registered router. A missing
// router is a startup race, reported as a warning.
func (h *Handlers) navigate(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	options := p.Object("options")
	dest, ok := p.String("value")
	if !ok || dest == "" {
		dest, ok = p.String("path")
	}
	if (!ok || dest == "") && options != nil {
		dest, ok = options["path"].(string)
	}
	if !ok || dest == "" {
		return warning(p, nil, "navigate requires payload.value, payload.path or payload.options.path")
	}

	replace := p.Bool("replace")
	if v, isBool := options["replace"].(bool); isBool && v {
		replace = true
	}

	router := h.s.Router.Router()
	if router == nil {
		return warning(p, nil, fmt.Sprintf("No router registered; cannot navigate to %s", dest))
	}

	if replace {
		if r, ok := router.(Replacer); ok {
			if err := r.Replace(ctx, dest); err != nil {
				return failure(p, err)
			}
			return success(p, nil, fmt.Sprintf("Replaced route with %s", dest))
		}
	}
	if err := router.Push(ctx, dest); err != nil {
		return failure(p, err)
	}
	return success(p, nil, fmt.Sprintf("Navigated to %s", dest))
}

// openClose dispatches a bubbling custom event at the target, or at the
// document when no target is named. UI state is the host's concern.
func (h *Handlers) openClose(eventType string) verb {
	return func(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
		detail := map[string]any{"requestId": p.RequestID}
		if p.ElementID != "" {
			detail["elementId"] = p.ElementID
		}
		if p.Payload != nil {
			detail["payload"] = p.Payload
		}
		ev := dom.Event{Type: eventType, Bubbles: true, Detail: detail}

		selector, _ := p.String("selector")
		if p.ElementID == "" && selector == "" {
			if err := h.s.Document.Dispatch(ctx, ev); err != nil {
				return failure(p, err)
			}
			return success(p, nil, fmt.Sprintf("Dispatched %s on document", eventType))
		}

		target := h.resolve(ctx, p)
		if !target.Found() {
			return notFound(p, target)
		}
		if err := target.Element.Dispatch(ctx, ev); err != nil {
			return failure(p, err)
		}
		return success(p, target.Warnings, fmt.Sprintf("Dispatched %s on '%s'", eventType, label(p)))
	}
}

// refresh invokes registered callbacks and/or bumps data-refresh-key,
// per payload.method ("callback", "attribute" or "both").
func (h *Handlers) refresh(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	method := stringOption(p, "method", "both")
	useCallbacks := method == "callback" || method == "both"
	useAttribute := method == "attribute" || method == "both"
	if !useCallbacks && !useAttribute {
		return warning(p, nil, fmt.Sprintf("Unknown refresh method %q", method))
	}

	var (
		warnings []protocol.TargetResolutionWarning
		invoked  int
		key      = -1
	)
	if useCallbacks {
		callbacks := h.s.Refresh.Callbacks(p.ElementID)
		for _, cb := range callbacks {
			cb()
			invoked++
		}
	}

	if useAttribute {
		target := h.resolve(ctx, p)
		warnings = target.Warnings
		if target.Found() {
			next, err := bumpRefreshKey(ctx, target.Element)
			if err != nil {
				return failure(p, err)
			}
			key = next
		}
	}

	if !useAttribute {
		if invoked == 0 {
			return warning(p, nil, fmt.Sprintf("No refresh callbacks registered for '%s'", label(p)))
		}
		return success(p, nil, fmt.Sprintf("Refreshed '%s' (callbacks: %d)", label(p), invoked))
	}
	switch {
	case key < 0 && invoked == 0:
		return warning(p, warnings, fmt.Sprintf("Nothing to refresh for '%s'", label(p)))
	case key < 0:
		return warning(p, warnings, fmt.Sprintf("Refreshed '%s' (callbacks: %d, element not found)", label(p), invoked))
	case useCallbacks:
		return success(p, warnings, fmt.Sprintf("Refreshed '%s' (callbacks: %d, key: %d)", label(p), invoked, key))
	default:
		return success(p, warnings, fmt.Sprintf("Refreshed '%s' (key: %d)", label(p), key))
	}
}

func bumpRefreshKey(ctx context.Context, el dom.Element) (int, error) {
	raw, _, err := el.Attr(ctx, dom.RefreshKeyAttr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		n = 0
	}
	n++
	if err := el.SetAttr(ctx, dom.RefreshKeyAttr, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}
