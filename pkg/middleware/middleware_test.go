package middleware

import (
	"context"
	"errors"

	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/session"
)

// stub is a component whose event handler is a plain function.
type stub struct {
	id string
	fn func(ctx context.Context, e *protocol.Event) error
}

func (p *stub) ID() string { return p.id }

func (p *stub) HandleEvent(ctx context.Context, e *protocol.Event) error {
	return p.fn(ctx, e)
}

var errBoom = errors.New("boom")

// stubApp registers a stub that fails for "fail" events and panics for
// "panic" events. onEvent observes the handler context.
func stubApp(onEvent func(ctx context.Context)) server.Application {
	return server.ApplicationFunc(func(ctx context.Context, s *session.Context) error {
		return s.RegisterComponent(&stub{id: "p", fn: func(ctx context.Context, e *protocol.Event) error {
			if onEvent != nil {
				onEvent(ctx)
			}
			switch e.Name {
			case "fail":
				return errBoom
			case "panic":
				panic("stub panic")
			}
			return s.SendCommand("p", "stub.ok", nil)
		}})
	})
}
