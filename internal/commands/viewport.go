package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/dom"
	"github.com/nupi-ai/domlink/internal/protocol"
)

func stringOption(p protocol.CommandPayload, key, fallback string) string {
	if v, ok := p.String(key); ok && v != "" {
		return v
	}
	return fallback
}

func (h *Handlers) scroll(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element

	window := durationOption(p, "debounceMs", h.s.ScrollDebounce)
	if h.s.Timers.Debounce(Scroll, el.Handle(), window) {
		return warning(p, target.Warnings, fmt.Sprintf("Scroll suppressed for '%s': repeated within %dms", label(p), window.Milliseconds()))
	}

	opts := dom.ScrollOptions{
		Behavior: stringOption(p, "behavior", "smooth"),
		Block:    stringOption(p, "block", "center"),
		Inline:   stringOption(p, "inline", "nearest"),
	}
	if opts.Behavior == "smooth" && h.s.Document.PrefersReducedMotion(ctx) {
		opts.Behavior = "auto"
	}
	if err := el.ScrollIntoView(ctx, opts); err != nil {
		return failure(p, err)
	}
	return success(p, target.Warnings, fmt.Sprintf("Scrolled to '%s' (%s)", label(p), opts.Behavior))
}

// highlight outlines the element and restores its prior inline outline and
// transition afterwards. A new highlight keeps the originally captured
// styles and restarts the restore timer.
func (h *Handlers) highlight(ctx context.Context, p protocol.CommandPayload) protocol.CommandResult {
	target := h.resolve(ctx, p)
	if !target.Found() {
		return notFound(p, target)
	}
	el := target.Element
	handle := el.Handle()

	unlock := h.lockElement(handle)
	defer unlock()

	h.mu.Lock()
	_, active := h.highlights[handle]
	h.mu.Unlock()
	if !active {
		outline, err := el.Style(ctx, "outline")
		if err != nil {
			return failure(p, err)
		}
		transition, err := el.Style(ctx, "transition")
		if err != nil {
			return failure(p, err)
		}
		h.mu.Lock()
		h.highlights[handle] = savedStyle{el: el, outline: outline, transition: transition}
		h.mu.Unlock()
	}

	color := stringOption(p, "color", h.s.HighlightColor)
	if err := el.SetStyle(ctx, "transition", "outline-color 150ms ease-in-out"); err != nil {
		if !active {
			h.restoreLocked(handle)
		}
		return failure(p, err)
	}
	if err := el.SetStyle(ctx, "outline", "3px solid "+color); err != nil {
		if !active {
			h.restoreLocked(handle)
		}
		return failure(p, err)
	}

	duration := durationOption(p, "duration", h.s.HighlightDuration)
	h.s.Timers.Schedule(Highlight, handle, duration, func() { h.restore(handle) })
	return success(p, target.Warnings, fmt.Sprintf("Highlighted '%s' for %dms", label(p), duration.Milliseconds()))
}

func (h *Handlers) restore(handle string) {
	unlock := h.lockElement(handle)
	defer unlock()
	// A highlight that won the lock after this timer fired owns the styles now.
	if h.s.Timers.Pending(Highlight, handle) {
		return
	}
	h.restoreLocked(handle)
}

func (h *Handlers) restoreLocked(handle string) {
	h.mu.Lock()
	saved, ok := h.highlights[handle]
	delete(h.highlights, handle)
	h.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	if !saved.el.Connected(ctx) {
		return
	}
	if err := saved.el.SetStyle(ctx, "outline", saved.outline); err != nil {
		h.s.Logger.Warn("highlight restore failed", zap.String("handle", handle), zap.Error(err))
	}
	if err := saved.el.SetStyle(ctx, "transition", saved.transition); err != nil {
		h.s.Logger.Warn("highlight restore failed", zap.String("handle", handle), zap.Error(err))
	}
}
