package commands

import (
	"context"
	"fmt"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

// canFocus applies the explicit focusability rules: natural tags, any
// tabindex (negative included) and contenteditable.
func canFocus(ctx context.Context, el dom.Element) (bool, error) {
	if _, ok, err := el.Attr(ctx, "tabindex"); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	if v, ok, err := el.Attr(ctx, "contenteditable"); err != nil {
		return false, err
	} else if ok && v != "false" {
		return true, nil
	}

	tag, err := el.TagName(ctx)
	if err != nil {
		return false, err
	}
	switch tag {
	case "input", "select", "textarea", "button":
		disabled, err := el.Disabled(ctx)
		if err != nil {
			return false, err
		}
		return !disabled, nil
	case "a", "area":
		_, ok, err := el.Attr(ctx, "href")
		return ok, err
	case "iframe", "summary":
		return true, nil
	}
	return false, nil
}

func (h *Handlers) focus(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	ok, err := canFocus(ctx, el)
	if err != nil {
		return failure(p, err)
	}
	if !ok {
		return warning(p, target.Warnings, fmt.Sprintf("Element '%s' is not focusable", label(p)))
	}
	if err := el.Focus(ctx); err != nil {
		return failure(p, err)
	}

	active, err := h.s.Document.ActiveElement(ctx)
	if err != nil {
		return failure(p, err)
	}
	if !dom.SameElement(active, el) {
		return warning(p, target.Warnings, fmt.Sprintf("Focus did not move to '%s'", label(p)))
	}
	return success(p, target.Warnings, fmt.Sprintf("Focused '%s'", label(p)))
}
