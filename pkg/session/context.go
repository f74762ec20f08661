package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/icons"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/strand"
	"github.com/vango-dev/uxcore/pkg/template"
	"github.com/vango-dev/uxcore/pkg/upload"
)

var (
	// ErrDuplicateComponent is returned when a component id is already registered.
	ErrDuplicateComponent = errors.New("session: duplicate component id")

	// ErrInvalidComponent is returned for nil components or empty ids.
	ErrInvalidComponent = errors.New("session: invalid component")

	// ErrDestroyed is returned by operations on a destroyed session.
	ErrDestroyed = errors.New("session: destroyed")
)

// Command names the session sends on its own behalf.
const (
	CommandSetConfiguration  = "session.setConfiguration"
	CommandRegisterTemplates = "session.registerTemplates"
)

// Component is a server-side piece of UI addressed by events.
type Component interface {
	// ID is unique within the session.
	ID() string

	// HandleEvent applies a client event. It runs on the session's strand.
	HandleEvent(ctx context.Context, event *protocol.Event) error
}

// Attachable components are told when they join or leave a session.
type Attachable interface {
	Attach(s *Context)
	Detach()
}

// Server is the read-only lookup surface a session exposes to components.
type Server interface {
	SessionByID(id protocol.SessionID) (*Context, bool)
	UploadedFile(token string) (*upload.File, bool)
}

// Options holds the collaborators of a new Context.
type Options struct {
	ID         protocol.SessionID
	Client     *ClientInfo
	IconTheme  icons.Theme
	Strand     *strand.Strand
	Dispatcher *dispatch.Dispatcher
	Server     Server
	Logger     *slog.Logger

	// Now is the clock used for activity timestamps. Default: time.Now.
	Now func() time.Time
}

// Context is the aggregate root of one live UI session.
//
// All mutation of the component tree must happen inside RunWithContext, which
// runs tasks one at a time in submission order. The registry lookups are safe
// from any goroutine.
type Context struct {
	id         protocol.SessionID
	client     *ClientInfo
	iconTheme  icons.Theme
	strand     *strand.Strand
	dispatcher *dispatch.Dispatcher
	server     Server
	logger     *slog.Logger
	now        func() time.Time
	createdAt  time.Time

	mu            sync.RWMutex
	components    map[string]Component
	templates     *template.Set
	configuration Configuration
	resources     map[string]Resource
	onDestroy     []func()
	tornDown      bool

	lastClientEvent atomic.Int64
	destroyed       atomic.Bool
	destroyOnce     sync.Once
	done            chan struct{}
}

// New creates a session context. The context takes ownership of the strand and
// dispatcher and closes both on Destroy.
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Client == nil {
		opts.Client = NewClientInfo(nil)
	}

	s := &Context{
		id:            opts.ID,
		client:        opts.Client,
		iconTheme:     opts.IconTheme,
		strand:        opts.Strand,
		dispatcher:    opts.Dispatcher,
		server:        opts.Server,
		logger:        opts.Logger.With("session_id", opts.ID.String()),
		now:           opts.Now,
		components:    make(map[string]Component),
		templates:     template.NewSet(nil),
		configuration: DefaultConfiguration(opts.Client),
		resources:     make(map[string]Resource),
		done:          make(chan struct{}),
	}
	s.createdAt = s.now()
	s.lastClientEvent.Store(s.createdAt.UnixMilli())
	return s
}

// ID returns the session identifier.
func (s *Context) ID() protocol.SessionID {
	return s.id
}

// ClientInfo returns the immutable client description.
func (s *Context) ClientInfo() *ClientInfo {
	return s.client
}

// IconTheme returns the icon theme resolved for the client's device class.
func (s *Context) IconTheme() icons.Theme {
	return s.iconTheme
}

// Server returns the lookup surface for other sessions and uploaded files.
func (s *Context) Server() Server {
	return s.server
}

// Logger returns the session-scoped logger.
func (s *Context) Logger() *slog.Logger {
	return s.logger
}

// CreatedAt returns when the context was created.
func (s *Context) CreatedAt() time.Time {
	return s.createdAt
}

// =============================================================================
// Execution
// =============================================================================

// RunWithContext queues task on the session strand. Tasks of one session never
// overlap and run in submission order; tasks of different sessions run in
// parallel. Inside task, FromContext returns this session.
//
// After Destroy the returned future completes with strand.ErrClosed.
func (s *Context) RunWithContext(ctx context.Context, task strand.Task) *strand.Future {
	return s.strand.Submit(ctx, func(tctx context.Context) error {
		return task(NewContext(tctx, s))
	})
}

// Pending returns the number of queued tasks not yet started.
func (s *Context) Pending() int {
	return s.strand.Pending()
}

// =============================================================================
// Commands
// =============================================================================

// Send queues cmd for the client. Commands are delivered in Send order.
// After Destroy, Send drops the command.
func (s *Context) Send(cmd *protocol.Command) {
	if cmd == nil {
		return
	}
	if s.destroyed.Load() {
		s.logger.Debug("command dropped on destroyed session", "command", cmd.Name)
		return
	}
	s.dispatcher.Dispatch(cmd)
}

// SendCommand builds a command from payload and sends it.
func (s *Context) SendCommand(componentID, name string, payload any) error {
	cmd, err := protocol.NewCommand(componentID, name, payload)
	if err != nil {
		return err
	}
	s.Send(cmd)
	return nil
}

// Flush waits until every command sent so far has been handed to the channel.
func (s *Context) Flush(ctx context.Context) error {
	return s.dispatcher.Flush(ctx)
}

// CommandStats returns the sent and dropped command counts.
func (s *Context) CommandStats() (sent, dropped uint64) {
	return s.dispatcher.Stats()
}

// =============================================================================
// Configuration and templates
// =============================================================================

// Configuration returns the current display configuration.
func (s *Context) Configuration() Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configuration
}

// SetConfiguration stores cfg and sends it to the client.
func (s *Context) SetConfiguration(cfg Configuration) error {
	s.mu.Lock()
	s.configuration = cfg
	s.mu.Unlock()
	return s.SendCommand("", CommandSetConfiguration, cfg)
}

// RegisterTemplates adds templates to the session and sends them to the client.
// Same-named templates are replaced.
func (s *Context) RegisterTemplates(templates map[string]*template.Template) error {
	if len(templates) == 0 {
		return nil
	}
	s.mu.Lock()
	err := s.templates.Merge(templates)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SendCommand("", CommandRegisterTemplates, templates)
}

// Template returns a registered template.
func (s *Context) Template(name string) (*template.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templates.Get(name)
}

// TemplateNames returns the names of all registered templates.
func (s *Context) TemplateNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templates.Names()
}

// =============================================================================
// Component registry
// =============================================================================

// RegisterComponent makes c addressable by its id. Attachable components are
// attached before RegisterComponent returns.
func (s *Context) RegisterComponent(c Component) error {
	if c == nil || c.ID() == "" {
		return ErrInvalidComponent
	}
	if s.destroyed.Load() {
		return ErrDestroyed
	}

	s.mu.Lock()
	if _, exists := s.components[c.ID()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, c.ID())
	}
	s.components[c.ID()] = c
	s.mu.Unlock()

	if a, ok := c.(Attachable); ok {
		a.Attach(s)
	}
	return nil
}

// UnregisterComponent removes the component with id. Events addressed to it
// are dropped from the moment this returns.
func (s *Context) UnregisterComponent(id string) bool {
	s.mu.Lock()
	c, ok := s.components[id]
	delete(s.components, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if a, ok := c.(Attachable); ok {
		a.Detach()
	}
	return true
}

// Component looks up a registered component.
func (s *Context) Component(id string) (Component, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[id]
	return c, ok
}

// ComponentCount returns the number of registered components.
func (s *Context) ComponentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.components)
}

// =============================================================================
// Resources
// =============================================================================

// AddResource publishes r under name and returns its URL path.
func (s *Context) AddResource(name string, r Resource) string {
	s.mu.Lock()
	s.resources[name] = r
	s.mu.Unlock()
	return ResourcePath(s.id, name)
}

// Resource returns a published resource.
func (s *Context) Resource(name string) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	return r, ok
}

// RemoveResource withdraws a published resource.
func (s *Context) RemoveResource(name string) {
	s.mu.Lock()
	delete(s.resources, name)
	s.mu.Unlock()
}

// =============================================================================
// Activity and lifecycle
// =============================================================================

// LastClientEvent returns when the client last sent an event.
func (s *Context) LastClientEvent() time.Time {
	return time.UnixMilli(s.lastClientEvent.Load())
}

// Touch records client activity now.
func (s *Context) Touch() {
	s.lastClientEvent.Store(s.now().UnixMilli())
}

// OnDestroy registers fn to run during teardown. Hooks run in reverse
// registration order after the last task has finished. On an already torn
// down session fn runs immediately.
func (s *Context) OnDestroy(fn func()) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		s.runHook(fn)
		return
	}
	s.onDestroy = append(s.onDestroy, fn)
	s.mu.Unlock()
}

// Destroy stops the session. Queued tasks are abandoned, a running task
// finishes, then teardown runs: destroy hooks, component detach, dispatcher
// close. Destroy does not wait; use Done. It is safe to call more than once and
// from inside a task.
func (s *Context) Destroy() {
	s.destroyOnce.Do(func() {
		s.destroyed.Store(true)
		s.logger.Debug("session destroy requested")
		s.strand.Close(s.teardown)
	})
}

// Destroyed reports whether Destroy has been called.
func (s *Context) Destroyed() bool {
	return s.destroyed.Load()
}

// Done is closed when teardown has completed and the last command batch of
// the session has left the dispatcher.
func (s *Context) Done() <-chan struct{} {
	return s.done
}

func (s *Context) teardown() {
	s.mu.Lock()
	hooks := s.onDestroy
	s.onDestroy = nil
	components := s.components
	s.components = make(map[string]Component)
	s.resources = make(map[string]Resource)
	s.tornDown = true
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		s.runHook(hooks[i])
	}
	for _, c := range components {
		if a, ok := c.(Attachable); ok {
			a.Detach()
		}
	}
	s.dispatcher.Close()

	// Done must not close while a batch of this session is still being
	// written: a replacing context would otherwise overtake it.
	select {
	case <-s.dispatcher.Done():
		s.finishTeardown(len(components))
	default:
		go func() {
			<-s.dispatcher.Done()
			s.finishTeardown(len(components))
		}()
	}
}

func (s *Context) finishTeardown(components int) {
	sent, dropped := s.dispatcher.Stats()
	s.logger.Debug("session torn down",
		"commands_sent", sent,
		"commands_dropped", dropped,
		"components", components)
	close(s.done)
}

func (s *Context) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("destroy hook panic", "panic", r)
		}
	}()
	fn()
}

// =============================================================================
// context.Context integration
// =============================================================================

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session running the current task.
func FromContext(ctx context.Context) (*Context, bool) {
	s, ok := ctx.Value(contextKey{}).(*Context)
	return s, ok
}

// MustFromContext is like FromContext but panics outside a session task.
func MustFromContext(ctx context.Context) *Context {
	s, ok := FromContext(ctx)
	if !ok {
		panic("session: no session in context")
	}
	return s
}
