package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

var (
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrBufferFull is returned when a client stops draining its channel.
	ErrBufferFull = errors.New("transport: buffer full")

	// ErrSessionFailed is matched by SessionHandler errors after which the
	// session no longer exists. Any other handler error leaves it alive.
	ErrSessionFailed = errors.New("transport: session failed")
)

// Channel delivers command batches to one client connection, in call order.
type Channel interface {
	Send(ctx context.Context, cmds []*protocol.Command) error
	Close(reason protocol.ClosingReason) error
}

// SessionHandler receives session lifecycle notifications from a transport.
// The server's Gate implements it. Errors matching ErrSessionFailed end the
// client connection.
type SessionHandler interface {
	OnSessionStarted(ctx context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error
	OnSessionClientRefresh(ctx context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error
	OnEvent(ctx context.Context, id protocol.SessionID, event *protocol.Event) error
	OnSessionClosed(id protocol.SessionID, reason protocol.ClosingReason)
}

// Hub maps session ids to their live channel. It is the executor every
// session dispatcher sends through, and the closer the gate uses to drop a
// client connection.
type Hub struct {
	mu       sync.RWMutex
	channels map[protocol.SessionID]Channel
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[protocol.SessionID]Channel),
		logger:   logger.With("component", "transport_hub"),
	}
}

// Attach binds ch to id. A different channel already bound to id is closed
// with ReasonReplaced.
func (h *Hub) Attach(id protocol.SessionID, ch Channel) {
	h.mu.Lock()
	prev := h.channels[id]
	h.channels[id] = ch
	h.mu.Unlock()

	if prev != nil && prev != ch {
		h.logger.Debug("channel replaced", "session_id", id.String())
		prev.Close(protocol.ReasonReplaced)
	}
}

// Detach unbinds ch from id. It reports false when id is bound to another
// channel, or to none.
func (h *Hub) Detach(id protocol.SessionID, ch Channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[id] != ch {
		return false
	}
	delete(h.channels, id)
	return true
}

// Channel returns the channel bound to id.
func (h *Hub) Channel(id protocol.SessionID) (Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// Count returns the number of bound channels.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// SendCommands implements dispatch.Executor.
func (h *Hub) SendCommands(ctx context.Context, id protocol.SessionID, cmds []*protocol.Command) error {
	ch, ok := h.Channel(id)
	if !ok {
		return dispatch.ErrChannelLost
	}
	if err := ch.Send(ctx, cmds); err != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrChannelLost, err)
	}
	return nil
}

// CloseSession unbinds and closes the channel of id, if any.
func (h *Hub) CloseSession(id protocol.SessionID, reason protocol.ClosingReason) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()

	if ok {
		if err := ch.Close(reason); err != nil {
			h.logger.Debug("channel close failed", "session_id", id.String(), "error", err)
		}
	}
}

// CloseAll closes every channel.
func (h *Hub) CloseAll(reason protocol.ClosingReason) {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[protocol.SessionID]Channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Close(reason)
	}
}
