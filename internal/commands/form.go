package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

func isFormControl(tag string) bool {
	switch tag {
	case "input", "textarea", "select":
		return true
	}
	return false
}

// notifyValue dispatches input, and change only when the value moved.
func notifyValue(ctx context.Context, el dom.Element, changed bool) error {
	if err := el.Dispatch(ctx, dom.Event{Type: "input", Bubbles: true}); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return el.Dispatch(ctx, dom.Event{Type: "change", Bubbles: true})
}

// actionable checks that el is an enabled form control.
func actionable(ctx context.Context, el dom.Element, p protocol.CommandPayload, warnings []protocol.TargetResolutionWarning) (string, *protocol.CommandResult, error) {
	tag, err := el.TagName(ctx)
	if err != nil {
		return "", nil, err
	}
	if !isFormControl(tag) {
		res := warning(p, warnings, fmt.Sprintf("Cannot %s '%s': <%s> is not a form control", p.Command, label(p), tag))
		return tag, &res, nil
	}
	disabled, err := el.Disabled(ctx)
	if err != nil {
		return "", nil, err
	}
	if disabled {
		res := warning(p, warnings, fmt.Sprintf("Cannot %s '%s': element is disabled", p.Command, label(p)))
		return tag, &res, nil
	}
	return tag, nil, nil
}

func (h *Handlers) fill(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	value, ok := p.String("value")
	if !ok {
		return warning(p, nil, "fill requires payload.value")
	}
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	if _, res, err := actionable(ctx, el, p, target.Warnings); err != nil {
		return failure(p, err)
	} else if res != nil {
		return *res
	}

	before, err := el.Value(ctx)
	if err != nil {
		return failure(p, err)
	}
	if err := el.SetValue(ctx, value); err != nil {
		return failure(p, err)
	}
	after, err := el.Value(ctx)
	if err != nil {
		return failure(p, err)
	}
	if err := notifyValue(ctx, el, before != after); err != nil {
		return failure(p, err)
	}
	return success(p, target.Warnings, fmt.Sprintf("Filled '%s'", label(p)))
}

func (h *Handlers) clear(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	tag, res, err := actionable(ctx, el, p, target.Warnings)
	if err != nil {
		return failure(p, err)
	} else if res != nil {
		return *res
	}

	before, err := el.Value(ctx)
	if err != nil {
		return failure(p, err)
	}
	if tag == "select" {
		err = el.SetSelectedIndex(ctx, 0)
	} else {
		err = el.SetValue(ctx, "")
	}
	if err != nil {
		return failure(p, err)
	}
	after, err := el.Value(ctx)
	if err != nil {
		return failure(p, err)
	}
	if err := notifyValue(ctx, el, before != after); err != nil {
		return failure(p, err)
	}
	return success(p, target.Warnings, fmt.Sprintf("Cleared '%s'", label(p)))
}

// matchOption tries value, then index, then label, first match wins.
func matchOption(opts []dom.Option, p protocol.CommandPayload) (int, bool) {
	value, hasValue := p.String("value")
	if hasValue {
		for i, o := range opts {
			if o.Value == value {
				return i, true
			}
		}
	}

	index, hasIndex := p.Int("index")
	if !hasIndex && hasValue {
		if n, err := strconv.Atoi(value); err == nil {
			index, hasIndex = n, true
		}
	}
	if hasIndex && index >= 0 && index < len(opts) {
		return index, true
	}

	lbl, hasLabel := p.String("label")
	if !hasLabel {
		lbl, hasLabel = value, hasValue
	}
	if hasLabel {
		for i, o := range opts {
			if o.Label == lbl {
				return i, true
			}
		}
	}
	return -1, false
}

func (h *Handlers) selectOption(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	if !p.Has("value") && !p.Has("index") && !p.Has("label") {
		return warning(p, nil, "select requires payload.value, payload.index or payload.label")
	}
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	tag, res, err := actionable(ctx, el, p, target.Warnings)
	if err != nil {
		return failure(p, err)
	} else if res != nil {
		return *res
	}
	if tag != "select" {
		return warning(p, target.Warnings, fmt.Sprintf("Cannot select in '%s': <%s> is not a select", label(p), tag))
	}

	opts, err := el.Options(ctx)
	if err != nil {
		return failure(p, err)
	}
	index, ok := matchOption(opts, p)
	if !ok {
		return warning(p, target.Warnings, fmt.Sprintf("No option in '%s' matches the requested value, index or label", label(p)))
	}

	before, err := el.SelectedIndex(ctx)
	if err != nil {
		return failure(p, err)
	}
	if err := el.SetSelectedIndex(ctx, index); err != nil {
		return failure(p, err)
	}
	if err := notifyValue(ctx, el, before != index); err != nil {
		return failure(p, err)
	}
	return success(p, target.Warnings, fmt.Sprintf("Selected '%s' in '%s'", opts[index].Label, label(p)))
}
