package vtest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/transport"
)

// Harness runs an application on a real gate and hub, with clients attached
// through memory channels instead of network connections.
type Harness struct {
	Gate *server.Gate
	Hub  *transport.Hub

	t       testing.TB
	timeout time.Duration
	httpID  string
	next    atomic.Int64
}

type harnessConfig struct {
	gate         *server.GateConfig
	timeout      time.Duration
	interceptors []server.Interceptor
	observers    []server.Observer
}

// HarnessOption configures a Harness.
type HarnessOption func(*harnessConfig)

// WithGateConfig adjusts the gate configuration before the gate is created.
func WithGateConfig(fn func(*server.GateConfig)) HarnessOption {
	return func(c *harnessConfig) {
		fn(c.gate)
	}
}

// WithTimeout bounds every harness call. Default: 5 seconds.
func WithTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.timeout = d
	}
}

// WithInterceptor installs an interceptor on the gate.
func WithInterceptor(i server.Interceptor) HarnessOption {
	return func(c *harnessConfig) {
		c.interceptors = append(c.interceptors, i)
	}
}

// WithObserver installs an observer on the gate.
func WithObserver(o server.Observer) HarnessOption {
	return func(c *harnessConfig) {
		c.observers = append(c.observers, o)
	}
}

// NewHarness creates a gate running app. The gate is shut down when the
// test ends.
//
// Example:
//
//	h := vtest.NewHarness(t, server.ApplicationFunc(func(ctx context.Context, s *session.Context) error {
//	    return s.RegisterComponent(component.NewButton("ok", "OK"))
//	}))
//	c := h.Connect()
//	c.Event("ok", component.EventClick, nil)
func NewHarness(t testing.TB, app server.Application, opts ...HarnessOption) *Harness {
	t.Helper()

	config := &harnessConfig{
		gate:    server.DefaultGateConfig().WithWorkers(4),
		timeout: 5 * time.Second,
	}
	config.gate.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(config)
	}

	hub := transport.NewHub(config.gate.Logger)
	gate, err := server.NewGate(app, hub, config.gate)
	if err != nil {
		t.Fatalf("vtest: create gate: %v", err)
	}
	for _, i := range config.interceptors {
		gate.Use(i)
	}
	for _, o := range config.observers {
		gate.Observe(o)
	}

	h := &Harness{
		Gate:    gate,
		Hub:     hub,
		t:       t,
		timeout: config.timeout,
		httpID:  uuid.NewString(),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := gate.Shutdown(ctx); err != nil {
			t.Logf("vtest: gate shutdown: %v", err)
		}
		hub.CloseAll(protocol.ReasonServerShutdown)
	})
	return h
}

func (h *Harness) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

// Client is one simulated browser tab.
type Client struct {
	ID      protocol.SessionID
	Channel *MemoryChannel

	h *Harness
}

// Connect starts a new session and fails the test if the start hook fails.
func (h *Harness) Connect(snap ...*protocol.ClientSnapshot) *Client {
	h.t.Helper()
	c, err := h.TryConnect(snap...)
	if err != nil {
		h.t.Fatalf("vtest: start session: %v", err)
	}
	return c
}

// TryConnect starts a new session and returns the start error.
func (h *Harness) TryConnect(snap ...*protocol.ClientSnapshot) (*Client, error) {
	id := protocol.SessionID{
		HTTPSessionID: h.httpID,
		UISessionID:   "ui-" + strconv.FormatInt(h.next.Add(1), 10),
	}
	return h.ConnectAs(id, snap...)
}

// ConnectAs starts the session id, replacing a live one with the same id.
func (h *Harness) ConnectAs(id protocol.SessionID, snap ...*protocol.ClientSnapshot) (*Client, error) {
	c := &Client{ID: id, Channel: NewMemoryChannel(), h: h}
	h.Hub.Attach(id, c.Channel)

	ctx, cancel := h.context()
	defer cancel()
	if err := h.Gate.OnSessionStarted(ctx, id, snapshot(snap)); err != nil {
		h.Hub.Detach(id, c.Channel)
		return c, err
	}
	return c, nil
}

func snapshot(snap []*protocol.ClientSnapshot) *protocol.ClientSnapshot {
	if len(snap) > 0 && snap[0] != nil {
		return snap[0]
	}
	return &protocol.ClientSnapshot{}
}

// Session returns the live session context of the client.
func (c *Client) Session() (*session.Context, bool) {
	return c.h.Gate.SessionByID(c.ID)
}

// Refresh reloads the client page.
func (c *Client) Refresh(snap ...*protocol.ClientSnapshot) error {
	ctx, cancel := c.h.context()
	defer cancel()
	return c.h.Gate.OnSessionClientRefresh(ctx, c.ID, snapshot(snap))
}

// Event sends an event to componentID. data is marshaled to JSON.
func (c *Client) Event(componentID, name string, data any) error {
	ev := &protocol.Event{ComponentID: componentID, Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		ev.Data = raw
	}
	ctx, cancel := c.h.context()
	defer cancel()
	return c.h.Gate.OnEvent(ctx, c.ID, ev)
}

// Close ends the session as a client disconnect would.
func (c *Client) Close() {
	if c.h.Hub.Detach(c.ID, c.Channel) {
		c.Channel.Close(protocol.ReasonClientClosed)
	}
	c.h.Gate.OnSessionClosed(c.ID, protocol.ReasonClientClosed)
}

// Flush waits until the session has handed every sent command to the
// channel. It is a no-op for a closed session.
func (c *Client) Flush() error {
	s, ok := c.Session()
	if !ok {
		return nil
	}
	ctx, cancel := c.h.context()
	defer cancel()
	return s.Flush(ctx)
}

// Names flushes the session and returns the application command names
// received so far.
func (c *Client) Names() []string {
	c.h.t.Helper()
	if err := c.Flush(); err != nil {
		c.h.t.Fatalf("vtest: flush: %v", err)
	}
	return c.Channel.Names()
}

// ExpectCommands asserts the application command names received so far.
func (c *Client) ExpectCommands(t testing.TB, want ...string) {
	t.Helper()
	got := c.Names()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}
}
