package vtest

import (
	"context"
	"errors"
	"testing"

	"github.com/vango-dev/uxcore/pkg/component"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/session"
)

func counterApp() server.Application {
	return server.ApplicationFunc(func(ctx context.Context, s *session.Context) error {
		clicks := 0
		btn := component.NewButton("inc", "0")
		btn.OnClick(func(ctx context.Context) error {
			clicks++
			if clicks == 3 {
				return errors.New("third click fails")
			}
			return btn.SetCaption("clicked")
		})
		return s.RegisterComponent(btn)
	})
}

func TestHarnessRoundTrip(t *testing.T) {
	h := NewHarness(t, counterApp())
	c := h.Connect()

	if err := c.Event("inc", component.EventClick, nil); err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	c.ExpectCommands(t, component.CommandSetCaption)

	cmds := c.Channel.Commands()
	if len(cmds) < 3 || cmds[0].Name != session.CommandSetConfiguration {
		t.Fatalf("raw commands = %v", cmds)
	}
	for i := 1; i < len(cmds); i++ {
		if cmds[i].Seq <= cmds[i-1].Seq {
			t.Fatalf("sequence numbers not increasing: %d then %d", cmds[i-1].Seq, cmds[i].Seq)
		}
	}
}

func TestHarnessClientsAreIsolated(t *testing.T) {
	h := NewHarness(t, counterApp())
	a, b := h.Connect(), h.Connect()
	if a.ID == b.ID {
		t.Fatal("clients share a session id")
	}

	if err := a.Event("inc", component.EventClick, nil); err != nil {
		t.Fatal(err)
	}
	a.ExpectCommands(t, component.CommandSetCaption)
	b.ExpectCommands(t)
}

func TestHarnessHandlerFailureClosesChannel(t *testing.T) {
	h := NewHarness(t, counterApp())
	c := h.Connect()

	for i := 0; i < 2; i++ {
		if err := c.Event("inc", component.EventClick, nil); err != nil {
			t.Fatal(err)
		}
	}
	err := c.Event("inc", component.EventClick, nil)
	if !errors.Is(err, server.ErrSessionInvalidated) {
		t.Fatalf("third click error = %v, want ErrSessionInvalidated", err)
	}
	reason, closed := c.Channel.Closed()
	if !closed || reason != protocol.ReasonHandlerFailure {
		t.Fatalf("channel closed=%v reason=%v", closed, reason)
	}
	if _, ok := c.Session(); ok {
		t.Fatal("session still registered")
	}
}

func TestHarnessRefreshResetsState(t *testing.T) {
	h := NewHarness(t, counterApp())
	c := h.Connect()

	for i := 0; i < 2; i++ {
		if err := c.Event("inc", component.EventClick, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	// The counter restarted, so this is the first click again.
	if err := c.Event("inc", component.EventClick, nil); err != nil {
		t.Fatalf("click after refresh error = %v", err)
	}
}

func TestHarnessBrokenConnectionDropsCommands(t *testing.T) {
	h := NewHarness(t, counterApp())
	c := h.Connect()
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	c.Channel.FailSends(errors.New("network down"))
	if err := c.Event("inc", component.EventClick, nil); err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	if names := c.Names(); len(names) != 0 {
		t.Fatalf("commands delivered over broken channel: %v", names)
	}
	if h.Gate.Metrics().CommandsDropped == 0 {
		t.Fatal("dropped commands not counted")
	}
	if _, ok := c.Session(); !ok {
		t.Fatal("a broken channel must not close the session")
	}
}

func TestHarnessClose(t *testing.T) {
	h := NewHarness(t, counterApp())
	c := h.Connect()
	c.Close()

	if reason, closed := c.Channel.Closed(); !closed || reason != protocol.ReasonClientClosed {
		t.Fatalf("channel closed=%v reason=%v", closed, reason)
	}
	if err := c.Event("inc", component.EventClick, nil); err != nil {
		t.Fatalf("event after close error = %v", err)
	}
	if h.Gate.Metrics().EventsDropped != 1 {
		t.Fatal("event after close not dropped")
	}
}

func TestHarnessStartFailure(t *testing.T) {
	h := NewHarness(t, server.ApplicationFunc(func(context.Context, *session.Context) error {
		return errors.New("no database")
	}))
	c, err := h.TryConnect()
	if !errors.Is(err, server.ErrSessionInvalidated) {
		t.Fatalf("TryConnect() error = %v", err)
	}
	if reason, closed := c.Channel.Closed(); !closed || reason != protocol.ReasonHandlerFailure {
		t.Fatalf("channel closed=%v reason=%v", closed, reason)
	}
}
