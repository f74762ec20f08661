package vtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/transport"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("vtest: channel closed")

// MemoryChannel is a transport.Channel that keeps every command it receives.
type MemoryChannel struct {
	mu       sync.Mutex
	commands []*protocol.Command
	closed   bool
	reason   protocol.ClosingReason
	failWith error
}

var _ transport.Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates an open channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

// Send implements transport.Channel.
func (c *MemoryChannel) Send(_ context.Context, cmds []*protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.failWith != nil {
		return c.failWith
	}
	c.commands = append(c.commands, cmds...)
	return nil
}

// Close implements transport.Channel.
func (c *MemoryChannel) Close(reason protocol.ClosingReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	return nil
}

// FailSends makes every later Send return err, simulating a broken
// connection. A nil err restores normal delivery.
func (c *MemoryChannel) FailSends(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

// Commands returns a copy of the received commands in arrival order.
func (c *MemoryChannel) Commands() []*protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Command(nil), c.commands...)
}

// Names returns the names of the received commands. Commands the session
// sends on its own behalf ("session.*") are skipped.
func (c *MemoryChannel) Names() []string {
	var names []string
	for _, cmd := range c.Commands() {
		if strings.HasPrefix(cmd.Name, "session.") {
			continue
		}
		names = append(names, cmd.Name)
	}
	return names
}

// Reset discards the received commands.
func (c *MemoryChannel) Reset() {
	c.mu.Lock()
	c.commands = nil
	c.mu.Unlock()
}

// Closed returns the closing reason and whether the channel was closed.
func (c *MemoryChannel) Closed() (protocol.ClosingReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closed
}
