package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

func mouseInit(ctx context.Context, el dom.Element, p protocol.CommandPayload) (*dom.MouseInit, error) {
	box, err := el.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	x, y := box.Center()
	button, _ := p.Int("button")
	return &dom.MouseInit{
		Button:   button,
		ClientX:  x,
		ClientY:  y,
		CtrlKey:  p.Bool("ctrlKey"),
		ShiftKey: p.Bool("shiftKey"),
		AltKey:   p.Bool("altKey"),
		MetaKey:  p.Bool("metaKey"),
	}, nil
}

func (h *Handlers) click(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	mouse, err := mouseInit(ctx, el, p)
	if err != nil {
		return failure(p, err)
	}
	for _, typ := range []string{"mousedown", "mouseup", "click"} {
		ev := dom.Event{Type: typ, Bubbles: true, Cancelable: true, Mouse: mouse}
		if err := el.Dispatch(ctx, ev); err != nil {
			return failure(p, err)
		}
	}
	return success(p, target.Warnings, fmt.Sprintf("Clicked '%s' (button: %d)", label(p), mouse.Button))
}

// hover marks the element and schedules the leave events. A repeated hover
// on the same element restarts the timer.
func (h *Handlers) hover(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	unlock := h.lockElement(el.Handle())
	defer unlock()

	mouse, err := mouseInit(ctx, el, p)
	if err != nil {
		return failure(p, err)
	}
	if err := el.AddClass(ctx, HoverClass); err != nil {
		return failure(p, err)
	}
	for _, ev := range []dom.Event{
		{Type: "mouseenter", Mouse: mouse},
		{Type: "mouseover", Bubbles: true, Cancelable: true, Mouse: mouse},
	} {
		if err := el.Dispatch(ctx, ev); err != nil {
			return failure(p, err)
		}
	}

	duration := durationOption(p, "duration", h.s.HoverDuration)
	h.s.Timers.Schedule(Hover, el.Handle(), duration, func() {
		h.endHover(el, mouse)
	})
	return success(p, target.Warnings, fmt.Sprintf("Hovering '%s' for %dms", label(p), duration.Milliseconds()))
}

func (h *Handlers) endHover(el dom.Element, mouse *dom.MouseInit) {
	unlock := h.lockElement(el.Handle())
	defer unlock()
	if h.s.Timers.Pending(Hover, el.Handle()) {
		return
	}
	ctx := context.Background()
	if !el.Connected(ctx) {
		return
	}
	for _, ev := range []dom.Event{
		{Type: "mouseleave", Mouse: mouse},
		{Type: "mouseout", Bubbles: true, Cancelable: true, Mouse: mouse},
	} {
		if err := el.Dispatch(ctx, ev); err != nil {
			h.s.Logger.Warn("hover cleanup failed", zap.String("handle", el.Handle()), zap.Error(err))
		}
	}
	if err := el.RemoveClass(ctx, HoverClass); err != nil {
		h.s.Logger.Warn("hover cleanup failed", zap.String("handle", el.Handle()), zap.Error(err))
	}
}
