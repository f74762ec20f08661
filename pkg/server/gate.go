package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/icons"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/recorder"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/strand"
	"github.com/vango-dev/uxcore/pkg/template"
	"github.com/vango-dev/uxcore/pkg/transport"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// =============================================================================
// Collaborators
// =============================================================================

// Application is the user code hosted by a Gate.
type Application interface {
	// CreateSessionConfiguration returns the display configuration sent to
	// the client of a new session.
	CreateSessionConfiguration(s *session.Context) session.Configuration

	// OnSessionStart builds the component tree of s. It runs on the session
	// strand once per start and once per refresh.
	OnSessionStart(ctx context.Context, s *session.Context) error
}

// ApplicationFunc adapts a start hook to Application. Sessions get
// session.DefaultConfiguration.
type ApplicationFunc func(ctx context.Context, s *session.Context) error

// CreateSessionConfiguration returns the default configuration for the client.
func (f ApplicationFunc) CreateSessionConfiguration(s *session.Context) session.Configuration {
	return session.DefaultConfiguration(s.ClientInfo())
}

// OnSessionStart calls f.
func (f ApplicationFunc) OnSessionStart(ctx context.Context, s *session.Context) error {
	return f(ctx, s)
}

// SessionCloser drops the client connection of a session.
type SessionCloser interface {
	CloseSession(id protocol.SessionID, reason protocol.ClosingReason)
}

// Transport carries commands to clients and can drop a client connection.
// transport.Hub implements it.
type Transport interface {
	dispatch.Executor
	SessionCloser
}

// Operation names a unit of work run by the gate.
type Operation string

const (
	OpSessionStart   Operation = "session_start"
	OpSessionRefresh Operation = "session_refresh"
	OpEvent          Operation = "event"
)

// Invocation describes one unit of work. Component and Event are set for
// OpEvent only.
type Invocation struct {
	Op        Operation
	Session   *session.Context
	Event     *protocol.Event
	Component session.Component
}

// Handler runs a unit of work on the session strand.
type Handler func(ctx context.Context, inv *Invocation) error

// Interceptor wraps every unit of work. Interceptors run on the session
// strand, outermost first in registration order.
type Interceptor func(next Handler) Handler

// Observer receives gate lifecycle notifications. Implementations must be
// safe for concurrent use.
type Observer interface {
	dispatch.Observer
	SessionStarted(op Operation)
	SessionClosed(reason protocol.ClosingReason)
	EventDropped(reason string)
}

// Reasons passed to Observer.EventDropped.
const (
	DropUnknownSession   = "unknown_session"
	DropUnknownComponent = "unknown_component"
	DropSessionClosed    = "session_closed"
)

var errStaleComponent = errors.New("server: stale component")

var (
	_ transport.SessionHandler = (*Gate)(nil)
	_ session.Server           = (*Gate)(nil)
	_ upload.Sink              = (*Gate)(nil)
	_ Transport                = (*transport.Hub)(nil)
)

// =============================================================================
// Gate
// =============================================================================

// Gate adapts transport notifications to session contexts. It owns the
// session registry, the uploaded file table and the worker pool every
// session strand runs on.
//
// Start, refresh and event calls block until the unit of work has finished
// on the session strand. The caller's context bounds only the wait.
type Gate struct {
	app       Application
	transport Transport
	config    *GateConfig
	pool      *strand.Pool
	registry  *Registry
	uploads   *UploadTable
	icons     *icons.Resolver
	metrics   *MetricsCollector
	logger    *slog.Logger

	mu           sync.RWMutex
	interceptors []Interceptor
	observers    []Observer

	closed    atomic.Bool
	stop      chan struct{}
	sweepDone chan struct{}
}

// NewGate creates a gate running app and sending commands through t. It fails
// when the icon theme configuration is unusable.
func NewGate(app Application, t Transport, config *GateConfig) (*Gate, error) {
	if app == nil {
		return nil, errors.New("server: nil application")
	}
	if t == nil {
		return nil, errors.New("server: nil transport")
	}
	config = config.withDefaults()

	resolver, err := icons.NewResolver(config.IconThemes, config.DesktopIconTheme, config.MobileIconTheme)
	if err != nil {
		return nil, fmt.Errorf("server: icon themes: %w", err)
	}

	g := &Gate{
		app:       app,
		transport: t,
		config:    config,
		pool: strand.NewPool(&strand.PoolConfig{
			Workers: config.Workers,
			Batch:   config.StrandBatch,
		}, config.Logger),
		registry:  NewRegistry(config.Session.MaxSessions, WithMaxSessionsPerIP(config.Session.MaxSessionsPerIP)),
		uploads:   NewUploadTable(),
		icons:     resolver,
		metrics:   NewMetricsCollector(),
		logger:    config.Logger.With("component", "gate"),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if config.Session.IdleTimeout > 0 {
		go g.sweepLoop()
	} else {
		close(g.sweepDone)
	}
	return g, nil
}

// Use adds an interceptor around every subsequent unit of work.
func (g *Gate) Use(i Interceptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interceptors = append(g.interceptors[:len(g.interceptors):len(g.interceptors)], i)
}

// Observe adds a lifecycle observer.
func (g *Gate) Observe(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers[:len(g.observers):len(g.observers)], o)
}

// Registry returns the session registry.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// Uploads returns the uploaded file table.
func (g *Gate) Uploads() *UploadTable {
	return g.uploads
}

// Icons returns the icon theme resolver.
func (g *Gate) Icons() *icons.Resolver {
	return g.icons
}

// Collector returns the raw metrics collector.
func (g *Gate) Collector() *MetricsCollector {
	return g.metrics
}

// =============================================================================
// Session lifecycle
// =============================================================================

// OnSessionStarted creates the session context for id, publishes it and runs
// application initialization on its strand.
func (g *Gate) OnSessionStarted(ctx context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error {
	return g.startSession(ctx, OpSessionStart, id, client)
}

// OnSessionClientRefresh replaces the context of id with a fresh one. State
// the start hook does not rebuild is lost.
func (g *Gate) OnSessionClientRefresh(ctx context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error {
	return g.startSession(ctx, OpSessionRefresh, id, client)
}

func (g *Gate) startSession(ctx context.Context, op Operation, id protocol.SessionID, client *protocol.ClientSnapshot) error {
	if g.closed.Load() {
		return NewSessionError(id.String(), string(op), ErrGateClosed)
	}
	if id.IsZero() {
		return NewSessionError(id.String(), string(op), protocol.ErrInvalidSessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Session.StartTimeout)
	defer cancel()

	start := time.Now()
	logger := g.logger.With("session_id", id.String())

	// The previous context must finish its running task before the new one
	// may run anything.
	prev, _ := g.registry.Get(id)
	if prev != nil {
		prev.Destroy()
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return NewSessionError(id.String(), string(op), ctx.Err())
		}
	}

	s := g.newSession(id, client, logger, start)

	// Initialization is queued before the context becomes visible, so no
	// event can run ahead of it, and starts only once it is published.
	published := make(chan struct{})
	var replaced *session.Context
	fut := s.RunWithContext(ctx, func(ctx context.Context) error {
		<-published
		if s.Destroyed() {
			return strand.ErrClosed
		}
		if replaced != nil {
			select {
			case <-replaced.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return g.guard(ctx, &Invocation{Op: op, Session: s}, g.initSession)
	})

	old, err := g.registry.Put(s)
	if err != nil {
		s.Destroy()
		close(published)
		logger.Warn("session rejected", "error", err)
		return NewSessionError(id.String(), string(op), err)
	}
	if old != nil && old != prev {
		logger.Debug("concurrent start replaced session")
		old.Destroy()
		replaced = old
	}
	close(published)

	g.metrics.RecordSessionStarted(op == OpSessionRefresh)
	g.eachObserver(func(o Observer) { o.SessionStarted(op) })

	select {
	case <-fut.Done():
	case <-ctx.Done():
		logger.Warn("session initialization still running", "op", op, "error", ctx.Err())
		return NewSessionError(id.String(), string(op), ctx.Err())
	}

	if err := fut.Err(); err != nil {
		switch {
		case errors.Is(err, ErrSessionInvalidated):
			return err
		case isClosed(err):
			if g.registry.CompareAndRemove(s) {
				g.destroy(s, protocol.ReasonServerShutdown)
			}
			return NewSessionError(id.String(), string(op), err)
		}
		return g.invalidate(s, op, err)
	}

	logger.Info("session started",
		"op", op,
		"mobile", s.ClientInfo().IsMobileDevice(),
		"icon_theme", s.IconTheme().Name,
		"components", s.ComponentCount(),
		"duration", time.Since(start))
	return nil
}

func (g *Gate) newSession(id protocol.SessionID, client *protocol.ClientSnapshot, logger *slog.Logger, start time.Time) *session.Context {
	info := session.NewClientInfo(client)

	opts := []dispatch.Option{
		dispatch.WithObserver(g),
		dispatch.WithConfig(g.config.Dispatch),
		dispatch.WithLogger(g.config.Logger),
	}
	if rec := g.openRecorder(start, logger); rec != nil {
		opts = append(opts, dispatch.WithRecorder(rec))
	}

	return session.New(session.Options{
		ID:         id,
		Client:     info,
		IconTheme:  g.icons.Default(info.IsMobileDevice()),
		Strand:     g.pool.NewStrand(id.String()),
		Dispatcher: dispatch.New(id, g.transport, opts...),
		Server:     g,
		Logger:     g.config.Logger,
	})
}

// openRecorder opens the recording sink of a new session. Failure disables
// recording for that session only.
func (g *Gate) openRecorder(start time.Time, logger *slog.Logger) *recorder.Recorder {
	dir := g.config.Session.RecordingDir
	if dir == "" {
		return nil
	}
	opts := []recorder.Option{recorder.WithLogger(g.config.Logger)}
	if g.config.Archiver != nil {
		opts = append(opts, recorder.WithArchiver(g.config.Archiver))
	}
	rec, err := recorder.OpenFile(dir, start, opts...)
	if err != nil {
		g.metrics.RecordRecordingFailure()
		logger.Warn("session recording disabled", "dir", dir, "error", err)
		return nil
	}
	logger.Debug("session recording", "path", rec.Path())
	return rec
}

func (g *Gate) initSession(ctx context.Context, inv *Invocation) error {
	s := inv.Session
	if err := s.SetConfiguration(g.app.CreateSessionConfiguration(s)); err != nil {
		return fmt.Errorf("send configuration: %w", err)
	}
	if err := s.RegisterTemplates(template.Builtins()); err != nil {
		return fmt.Errorf("register templates: %w", err)
	}
	return g.app.OnSessionStart(ctx, s)
}

// OnSessionClosed removes and destroys the context of id. Closing an unknown
// or already closed session does nothing.
func (g *Gate) OnSessionClosed(id protocol.SessionID, reason protocol.ClosingReason) {
	s, ok := g.registry.Remove(id)
	if !ok {
		return
	}
	g.destroy(s, reason)
}

func (g *Gate) destroy(s *session.Context, reason protocol.ClosingReason) {
	s.Destroy()
	g.metrics.RecordSessionClosed()
	g.eachObserver(func(o Observer) { o.SessionClosed(reason) })
	g.logger.Info("session closed", "session_id", s.ID().String(), "reason", reason.String())
}

// invalidate closes a session whose start hook or event handler failed.
// Other sessions are not affected.
func (g *Gate) invalidate(s *session.Context, op Operation, cause error) error {
	id := s.ID()

	g.metrics.RecordHandlerFailure()
	var pe *strand.PanicError
	if errors.As(cause, &pe) {
		g.metrics.RecordHandlerPanic()
	}

	if g.registry.CompareAndRemove(s) {
		g.metrics.RecordSessionInvalidated()
		g.destroy(s, protocol.ReasonHandlerFailure)
		g.transport.CloseSession(id, protocol.ReasonHandlerFailure)
	} else {
		s.Destroy()
	}

	g.logger.Error("session invalidated",
		"session_id", id.String(),
		"op", op,
		"error", cause)
	return NewSessionError(id.String(), string(op), fmt.Errorf("%w: %w", ErrSessionInvalidated, cause))
}

// =============================================================================
// Events
// =============================================================================

// OnEvent runs the handler of the event's target component on the session
// strand. Events for unknown sessions or components are dropped without error.
func (g *Gate) OnEvent(ctx context.Context, id protocol.SessionID, event *protocol.Event) error {
	g.metrics.RecordEventReceived()
	if event == nil {
		return nil
	}

	s, ok := g.registry.Get(id)
	if !ok {
		g.dropEvent(id, event, DropUnknownSession)
		return nil
	}

	start := time.Now()
	fut := s.RunWithContext(ctx, func(ctx context.Context) error {
		c, ok := s.Component(event.ComponentID)
		if !ok {
			return errStaleComponent
		}
		s.Touch()
		return g.guard(ctx, &Invocation{
			Op:        OpEvent,
			Session:   s,
			Event:     event,
			Component: c,
		}, handleEvent)
	})

	select {
	case <-fut.Done():
	case <-ctx.Done():
		return NewSessionError(id.String(), string(OpEvent), ctx.Err())
	}

	err := fut.Err()
	switch {
	case err == nil:
		g.metrics.RecordEventProcessed()
		g.metrics.RecordEventLatency(time.Since(start))
		return nil
	case errors.Is(err, errStaleComponent):
		g.dropEvent(id, event, DropUnknownComponent)
		return nil
	case isClosed(err):
		g.dropEvent(id, event, DropSessionClosed)
		return nil
	case errors.Is(err, ErrSessionInvalidated):
		return err
	default:
		return g.invalidate(s, OpEvent, err)
	}
}

func handleEvent(ctx context.Context, inv *Invocation) error {
	return inv.Component.HandleEvent(ctx, inv.Event)
}

func (g *Gate) dropEvent(id protocol.SessionID, event *protocol.Event, reason string) {
	g.metrics.RecordEventDropped()
	g.eachObserver(func(o Observer) { o.EventDropped(reason) })
	g.logger.Debug("event dropped",
		"session_id", id.String(),
		"component", event.ComponentID,
		"event", event.Name,
		"reason", reason)
}

func isClosed(err error) bool {
	return errors.Is(err, strand.ErrClosed) || errors.Is(err, strand.ErrPoolClosed)
}

// guard runs h through the interceptors. A failure or panic invalidates the
// session before the task returns, so tasks queued behind it never run.
func (g *Gate) guard(ctx context.Context, inv *Invocation, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = g.invalidate(inv.Session, inv.Op, &strand.PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	err = g.invoke(ctx, inv, h)
	if err != nil && !isClosed(err) {
		return g.invalidate(inv.Session, inv.Op, err)
	}
	return err
}

func (g *Gate) invoke(ctx context.Context, inv *Invocation, h Handler) error {
	g.mu.RLock()
	chain := g.interceptors
	g.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h(ctx, inv)
}

// =============================================================================
// Lookups and uploads
// =============================================================================

// SessionByID returns the live session registered under id.
func (g *Gate) SessionByID(id protocol.SessionID) (*session.Context, bool) {
	return g.registry.Get(id)
}

// UploadedFile returns the file registered under an upload token.
func (g *Gate) UploadedFile(token string) (*upload.File, bool) {
	return g.uploads.Get(token)
}

// HandleFileUpload registers an uploaded file under token.
func (g *Gate) HandleFileUpload(token string, file *upload.File) error {
	if err := g.uploads.Put(token, file); err != nil {
		return err
	}
	g.metrics.RecordUpload()
	g.logger.Debug("file uploaded", "token", token, "filename", file.Filename, "size", file.Size)
	return nil
}

// =============================================================================
// dispatch.Observer
// =============================================================================

// CommandsSent implements dispatch.Observer.
func (g *Gate) CommandsSent(n int) {
	g.metrics.RecordCommandsSent(n)
	g.eachObserver(func(o Observer) { o.CommandsSent(n) })
}

// CommandsDropped implements dispatch.Observer.
func (g *Gate) CommandsDropped(n int) {
	g.metrics.RecordCommandsDropped(n)
	g.eachObserver(func(o Observer) { o.CommandsDropped(n) })
}

func (g *Gate) eachObserver(fn func(Observer)) {
	g.mu.RLock()
	observers := g.observers
	g.mu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// =============================================================================
// Idle sweeping and shutdown
// =============================================================================

func (g *Gate) sweepLoop() {
	defer close(g.sweepDone)

	ticker := time.NewTicker(g.config.Session.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := g.SweepIdle(now); n > 0 {
				g.logger.Info("idle sessions closed", "count", n)
			}
		case <-g.stop:
			return
		}
	}
}

// SweepIdle closes sessions whose last client event is older than the idle
// timeout at now. It returns the number of sessions closed.
func (g *Gate) SweepIdle(now time.Time) int {
	timeout := g.config.Session.IdleTimeout
	if timeout <= 0 {
		return 0
	}
	cutoff := now.Add(-timeout)

	closed := 0
	g.registry.Range(func(s *session.Context) bool {
		if !s.LastClientEvent().Before(cutoff) || !g.registry.CompareAndRemove(s) {
			return true
		}
		g.metrics.RecordSessionTimedOut()
		g.destroy(s, protocol.ReasonTimeout)
		g.transport.CloseSession(s.ID(), protocol.ReasonTimeout)
		closed++
		return true
	})
	return closed
}

// Shutdown closes every session with ReasonServerShutdown, waits for their
// teardown and stops the worker pool. New sessions are refused.
func (g *Gate) Shutdown(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(g.stop)
	<-g.sweepDone

	var sessions []*session.Context
	g.registry.Range(func(s *session.Context) bool {
		if g.registry.CompareAndRemove(s) {
			sessions = append(sessions, s)
			g.destroy(s, protocol.ReasonServerShutdown)
			g.transport.CloseSession(s.ID(), protocol.ReasonServerShutdown)
		}
		return true
	})

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	poolDone := make(chan struct{})
	go func() {
		g.pool.Close()
		close(poolDone)
	}()
	select {
	case <-poolDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.logger.Info("gate shutdown complete", "sessions", len(sessions))
	return nil
}
