// Package component provides small building blocks for server-side UI
// components: a Base that tracks its session, a Button and a FileField.
//
// Richer widgets live outside this module; they only need to implement
// session.Component and send their state through the session.
package component

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/session"
)

// ErrDetached is returned when a component is used outside a session.
var ErrDetached = errors.New("component: not attached to a session")

// Base implements session.Attachable and the identity part of
// session.Component. Embed it in concrete components.
type Base struct {
	id string

	mu      sync.RWMutex
	session *session.Context
}

// Init sets the component id, generating a random one when id is empty.
// Call it once from the concrete constructor.
func (b *Base) Init(id string) {
	if id == "" {
		id = uuid.NewString()
	}
	b.id = id
}

// ID returns the component id.
func (b *Base) ID() string {
	return b.id
}

// Attach binds the component to s.
func (b *Base) Attach(s *session.Context) {
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
}

// Detach unbinds the component.
func (b *Base) Detach() {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
}

// Session returns the session the component is attached to, or nil.
func (b *Base) Session() *session.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Send emits a command addressed to this component's client-side peer.
func (b *Base) Send(name string, payload any) error {
	s := b.Session()
	if s == nil {
		return ErrDetached
	}
	return s.SendCommand(b.id, name, payload)
}

// ignoreEvent logs a client event the component cannot act on and drops it.
// Client input alone never fails the session.
func (b *Base) ignoreEvent(e *protocol.Event, reason string, args ...any) error {
	logger := slog.Default()
	if s := b.Session(); s != nil {
		logger = s.Logger()
	}
	logger.Warn("event ignored",
		append([]any{"component", b.id, "event", e.Name, "reason", reason}, args...)...)
	return nil
}

// Handler is an event listener. It runs on the session strand.
type Handler func(ctx context.Context) error

type listeners struct {
	mu sync.Mutex
	fn []Handler
}

func (l *listeners) add(h Handler) {
	l.mu.Lock()
	l.fn = append(l.fn, h)
	l.mu.Unlock()
}

func (l *listeners) fire(ctx context.Context) error {
	l.mu.Lock()
	fns := append([]Handler(nil), l.fn...)
	l.mu.Unlock()
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}
