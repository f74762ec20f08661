package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []*protocol.Command
	sendErr error
	closed  []protocol.ClosingReason
}

func (c *fakeChannel) Send(_ context.Context, cmds []*protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, cmds...)
	return nil
}

func (c *fakeChannel) Close(reason protocol.ClosingReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
	return nil
}

func (c *fakeChannel) closeReasons() []protocol.ClosingReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ClosingReason(nil), c.closed...)
}

var testID = protocol.SessionID{HTTPSessionID: "h1", UISessionID: "u1"}

func TestHubAttachReplacesChannel(t *testing.T) {
	hub := NewHub(nil)
	first := &fakeChannel{}
	second := &fakeChannel{}

	hub.Attach(testID, first)
	hub.Attach(testID, second)

	if got := first.closeReasons(); len(got) != 1 || got[0] != protocol.ReasonReplaced {
		t.Fatalf("first channel close reasons = %v, want [replaced]", got)
	}
	if got := second.closeReasons(); len(got) != 0 {
		t.Fatalf("second channel closed: %v", got)
	}
	if ch, _ := hub.Channel(testID); ch != second {
		t.Fatal("hub should hold the second channel")
	}

	// Re-attaching the same channel is a no-op.
	hub.Attach(testID, second)
	if got := second.closeReasons(); len(got) != 0 {
		t.Fatalf("re-attach closed channel: %v", got)
	}
}

func TestHubDetachOnlyOwner(t *testing.T) {
	hub := NewHub(nil)
	first := &fakeChannel{}
	second := &fakeChannel{}
	hub.Attach(testID, first)
	hub.Attach(testID, second)

	if hub.Detach(testID, first) {
		t.Fatal("Detach of a replaced channel should report false")
	}
	if hub.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", hub.Count())
	}
	if !hub.Detach(testID, second) {
		t.Fatal("Detach of the current channel should report true")
	}
	if hub.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", hub.Count())
	}
}

func TestHubSendCommands(t *testing.T) {
	hub := NewHub(nil)
	cmds := []*protocol.Command{{Seq: 1, Name: "a"}, {Seq: 2, Name: "b"}}

	err := hub.SendCommands(context.Background(), testID, cmds)
	if !errors.Is(err, dispatch.ErrChannelLost) {
		t.Fatalf("SendCommands without channel = %v, want ErrChannelLost", err)
	}

	ch := &fakeChannel{}
	hub.Attach(testID, ch)
	if err := hub.SendCommands(context.Background(), testID, cmds); err != nil {
		t.Fatalf("SendCommands() error = %v", err)
	}
	if len(ch.sent) != 2 || ch.sent[0].Name != "a" || ch.sent[1].Name != "b" {
		t.Fatalf("sent = %v", ch.sent)
	}

	ch.sendErr = ErrBufferFull
	err = hub.SendCommands(context.Background(), testID, cmds)
	if !errors.Is(err, dispatch.ErrChannelLost) || !errors.Is(err, ErrBufferFull) {
		t.Fatalf("SendCommands with failing channel = %v, want ErrChannelLost wrapping ErrBufferFull", err)
	}
}

func TestHubCloseSessionAndCloseAll(t *testing.T) {
	hub := NewHub(nil)
	a := &fakeChannel{}
	b := &fakeChannel{}
	other := protocol.SessionID{HTTPSessionID: "h1", UISessionID: "u2"}
	hub.Attach(testID, a)
	hub.Attach(other, b)

	hub.CloseSession(testID, protocol.ReasonTimeout)
	if got := a.closeReasons(); len(got) != 1 || got[0] != protocol.ReasonTimeout {
		t.Fatalf("close reasons = %v, want [timeout]", got)
	}
	if _, ok := hub.Channel(testID); ok {
		t.Fatal("closed session still bound")
	}

	// Unknown id is ignored.
	hub.CloseSession(testID, protocol.ReasonTimeout)

	hub.CloseAll(protocol.ReasonServerShutdown)
	if got := b.closeReasons(); len(got) != 1 || got[0] != protocol.ReasonServerShutdown {
		t.Fatalf("close reasons = %v, want [server_shutdown]", got)
	}
	if hub.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", hub.Count())
	}
}
