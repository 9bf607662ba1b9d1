package dispatcher

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func entriesWith(bus *logbus.Bus, sev logbus.Severity) []logbus.Entry {
	var out []logbus.Entry
	for _, e := range bus.History() {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	return out
}

func TestPanickingHandlerDoesNotStopSiblings(t *testing.T) {
	bus := logbus.New()
	d := New(bus)

	var second atomic.Int32
	d.Register("click", func(context.Context, protocol.CommandPayload) error { panic("boom") })
	d.Register("click", func(context.Context, protocol.CommandPayload) error {
		second.Add(1)
		return nil
	})

	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "click", RequestID: "r1"})
	d.Wait()

	if got := second.Load(); got != 1 {
		t.Fatalf("second handler ran %d times, want 1", got)
	}
	errs := entriesWith(bus, logbus.SeverityError)
	if len(errs) != 1 {
		t.Fatalf("error entries = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "boom") || errs[0].Result.RequestID != "r1" {
		t.Fatalf("entry = %+v", errs[0])
	}
	if errs[0].Metadata["command"] != "click" {
		t.Fatalf("metadata = %v", errs[0].Metadata)
	}
}

func TestHandlerErrorIsLogged(t *testing.T) {
	bus := logbus.New()
	d := New(bus)
	d.Register("fill", func(context.Context, protocol.CommandPayload) error { return errors.New("no value") })

	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "fill", RequestID: "r2"})
	d.Wait()

	errs := entriesWith(bus, logbus.SeverityError)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "no value") {
		t.Fatalf("error entries = %+v", errs)
	}
}

func TestUnknownCommandWarnsOnce(t *testing.T) {
	bus := logbus.New()
	d := New(bus)

	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "teleport"})
	d.Wait()

	history := bus.History()
	if len(history) != 1 {
		t.Fatalf("entries = %d, want 1", len(history))
	}
	if history[0].Severity != logbus.SeverityWarning || !strings.Contains(history[0].Message, UnhandledCommand) {
		t.Fatalf("entry = %+v", history[0])
	}
}

func TestUnregisterRemovesOnlyThatHandler(t *testing.T) {
	bus := logbus.New()
	d := New(bus)

	var a, b atomic.Int32
	unA := d.Register("scroll", func(context.Context, protocol.CommandPayload) error { a.Add(1); return nil })
	unB := d.Register("scroll", func(context.Context, protocol.CommandPayload) error { b.Add(1); return nil })

	unA()
	unA()
	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "scroll"})
	d.Wait()
	if a.Load() != 0 || b.Load() != 1 {
		t.Fatalf("a=%d b=%d", a.Load(), b.Load())
	}

	unB()
	if got := d.Commands(); len(got) != 0 {
		t.Fatalf("commands = %v, want none", got)
	}
	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "scroll"})
	if n := len(entriesWith(bus, logbus.SeverityWarning)); n != 1 {
		t.Fatalf("warnings = %d", n)
	}
}

func TestCommandsSorted(t *testing.T) {
	d := New(nil)
	noop := func(context.Context, protocol.CommandPayload) error { return nil }
	d.Register("scroll", noop)
	d.Register("click", noop)
	d.Register("click", noop)

	if got := d.Commands(); !reflect.DeepEqual(got, []string{"click", "scroll"}) {
		t.Fatalf("commands = %v", got)
	}
}

func TestDispatchDoesNotWaitForHandlers(t *testing.T) {
	d := New(logbus.New())
	release := make(chan struct{})
	started := make(chan struct{})
	d.Register("hover", func(context.Context, protocol.CommandPayload) error {
		close(started)
		<-release
		return nil
	})

	d.Dispatch(context.Background(), protocol.CommandPayload{Command: "hover"})
	<-started
	close(release)
	d.Wait()
}
