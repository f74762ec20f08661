package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

// LongPollConfig configures long-poll channels and their endpoint.
type LongPollConfig struct {
	// PollTimeout is the longest a poll request waits for commands.
	// Default: 25 seconds.
	PollTimeout time.Duration

	// MaxBuffered is the most commands buffered for a client that is not
	// polling. Exceeding it loses the channel.
	// Default: 10000.
	MaxBuffered int

	// MaxBatch is the most commands returned by one poll.
	// Default: 500.
	MaxBatch int
}

// DefaultLongPollConfig returns a LongPollConfig with sensible defaults.
func DefaultLongPollConfig() *LongPollConfig {
	return &LongPollConfig{
		PollTimeout: 25 * time.Second,
		MaxBuffered: 10000,
		MaxBatch:    500,
	}
}

// LongPollChannel buffers commands until the client polls for them.
type LongPollChannel struct {
	maxBuffered int

	mu     sync.Mutex
	queue  []*protocol.Command
	notify chan struct{}
	closed bool
	reason protocol.ClosingReason
}

// NewLongPollChannel creates a channel buffering at most maxBuffered commands.
func NewLongPollChannel(maxBuffered int) *LongPollChannel {
	if maxBuffered <= 0 {
		maxBuffered = DefaultLongPollConfig().MaxBuffered
	}
	return &LongPollChannel{
		maxBuffered: maxBuffered,
		notify:      make(chan struct{}),
	}
}

// Send buffers cmds and wakes a waiting poll.
func (c *LongPollChannel) Send(_ context.Context, cmds []*protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if len(c.queue)+len(cmds) > c.maxBuffered {
		return ErrBufferFull
	}
	c.queue = append(c.queue, cmds...)
	c.wakeLocked()
	return nil
}

func (c *LongPollChannel) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Poll returns up to max buffered commands, waiting until some arrive, the
// channel closes or ctx is done. A done ctx yields an empty result, not an
// error. After Close, buffered commands are still returned before
// ErrChannelClosed.
func (c *LongPollChannel) Poll(ctx context.Context, max int) ([]*protocol.Command, error) {
	for {
		c.mu.Lock()
		if n := len(c.queue); n > 0 {
			if max <= 0 || max > n {
				max = n
			}
			out := make([]*protocol.Command, max)
			copy(out, c.queue)
			c.queue = c.queue[max:]
			c.mu.Unlock()
			return out, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// Buffered returns the number of commands waiting to be polled.
func (c *LongPollChannel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close marks the channel closed and wakes a waiting poll.
func (c *LongPollChannel) Close(reason protocol.ClosingReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.reason = reason
	c.wakeLocked()
	return nil
}

// Reason returns the closing reason and whether the channel is closed.
func (c *LongPollChannel) Reason() (protocol.ClosingReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closed
}

// LongPollEndpoint serves sessions to clients that cannot hold a WebSocket.
//
//	POST /hello                    Hello -> Welcome
//	GET  /{http}/{ui}/commands     -> CommandBatch (waits up to PollTimeout)
//	POST /{http}/{ui}/events       Event -> 204
//	POST /{http}/{ui}/refresh      Hello -> 204
//	POST /{http}/{ui}/close        -> 204
//
// Session routes require the session cookie to carry {http}.
type LongPollEndpoint struct {
	hub      *Hub
	handler  SessionHandler
	config   *LongPollConfig
	clientIP func(*http.Request) string
	logger   *slog.Logger
}

// NewLongPollEndpoint creates a long-poll endpoint.
func NewLongPollEndpoint(hub *Hub, handler SessionHandler, config *LongPollConfig, opts ...EndpointOption) *LongPollEndpoint {
	d := DefaultLongPollConfig()
	if config == nil {
		config = d
	}
	c := *config
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	o := buildEndpointOptions("longpoll", opts)
	return &LongPollEndpoint{
		hub:      hub,
		handler:  handler,
		config:   &c,
		clientIP: o.clientIP,
		logger:   o.logger,
	}
}

// Routes returns the endpoint's router. Mount it under a prefix such as /lp.
func (e *LongPollEndpoint) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/hello", e.hello)
	r.Route("/{httpID}/{uiID}", func(r chi.Router) {
		r.Use(e.requireOwner)
		r.Get("/commands", e.commands)
		r.Post("/events", e.events)
		r.Post("/refresh", e.refresh)
		r.Post("/close", e.close)
	})
	return r
}

func (e *LongPollEndpoint) hello(w http.ResponseWriter, r *http.Request) {
	var hello protocol.Hello
	if err := json.NewDecoder(r.Body).Decode(&hello); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidHello, "invalid hello")
		return
	}
	httpID, cookie := httpSessionID(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	id, refresh, err := resolveHello(&hello, !hello.SessionID.IsZero(), httpID, r, e.clientIP)
	if err != nil {
		e.logger.Warn("hello rejected", "session_id", id.String(), "error", err)
		writeError(w, http.StatusForbidden, protocol.ErrCodeSessionMismatch, "session belongs to another client")
		return
	}

	ch := NewLongPollChannel(e.config.MaxBuffered)
	e.hub.Attach(id, ch)

	start := e.handler.OnSessionStarted
	if refresh {
		start = e.handler.OnSessionClientRefresh
	}
	if err := start(r.Context(), id, &hello.Client); err != nil {
		e.logger.Warn("session start failed", "session_id", id.String(), "error", err)
		e.finish(id, ch, protocol.ReasonHandlerFailure)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeSessionFailure, "session start failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&protocol.Welcome{SessionID: id})
}

// requireOwner rejects session routes whose {httpID} is not the caller's
// session cookie.
func (e *LongPollEndpoint) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ownsSession(r, chi.URLParam(r, "httpID")) {
			e.logger.Warn("session route rejected", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, protocol.ErrCodeSessionMismatch, "session belongs to another client")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *LongPollEndpoint) channel(w http.ResponseWriter, r *http.Request) (protocol.SessionID, *LongPollChannel, bool) {
	id := protocol.SessionID{
		HTTPSessionID: chi.URLParam(r, "httpID"),
		UISessionID:   chi.URLParam(r, "uiID"),
	}
	ch, ok := e.hub.Channel(id)
	if !ok {
		http.Error(w, "session gone", http.StatusGone)
		return id, nil, false
	}
	lp, ok := ch.(*LongPollChannel)
	if !ok {
		http.Error(w, "session is not long-polling", http.StatusConflict)
		return id, nil, false
	}
	return id, lp, true
}

func (e *LongPollEndpoint) commands(w http.ResponseWriter, r *http.Request) {
	_, ch, ok := e.channel(w, r)
	if !ok {
		return
	}

	max := e.config.MaxBatch
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < max {
			max = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), e.config.PollTimeout)
	defer cancel()

	cmds, err := ch.Poll(ctx, max)
	if errors.Is(err, ErrChannelClosed) {
		reason, _ := ch.Reason()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(&protocol.Control{Type: protocol.ControlClose, Reason: reason.String()})
		return
	}
	if cmds == nil {
		cmds = []*protocol.Command{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&protocol.CommandBatch{Commands: cmds})
}

func (e *LongPollEndpoint) events(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := e.channel(w, r)
	if !ok {
		return
	}
	var ev protocol.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidFrame, "invalid event")
		return
	}
	if err := e.handler.OnEvent(r.Context(), id, &ev); err != nil {
		e.handlerFailed(w, id, ch, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *LongPollEndpoint) refresh(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := e.channel(w, r)
	if !ok {
		return
	}
	var hello protocol.Hello
	if err := json.NewDecoder(r.Body).Decode(&hello); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidHello, "invalid hello")
		return
	}
	hello.SessionID = id
	resolveHello(&hello, true, id.HTTPSessionID, r, e.clientIP)
	if err := e.handler.OnSessionClientRefresh(r.Context(), id, &hello.Client); err != nil {
		e.handlerFailed(w, id, ch, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *LongPollEndpoint) close(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := e.channel(w, r)
	if !ok {
		return
	}
	e.finish(id, ch, protocol.ReasonClientClosed)
	w.WriteHeader(http.StatusNoContent)
}

// handlerFailed ends the session only when the handler reports it gone.
// Anything else, such as an aborted request, is answered with 503.
func (e *LongPollEndpoint) handlerFailed(w http.ResponseWriter, id protocol.SessionID, ch *LongPollChannel, err error) {
	e.logger.Warn("session handler failed", "session_id", id.String(), "error", err)
	if errors.Is(err, ErrSessionFailed) {
		e.finish(id, ch, protocol.ReasonHandlerFailure)
		writeError(w, http.StatusGone, protocol.ErrCodeSessionFailure, "session failed")
		return
	}
	writeError(w, http.StatusServiceUnavailable, protocol.ErrCodeUnavailable, "request not processed")
}

func (e *LongPollEndpoint) finish(id protocol.SessionID, ch *LongPollChannel, reason protocol.ClosingReason) {
	owned := e.hub.Detach(id, ch)
	ch.Close(reason)
	if owned {
		e.handler.OnSessionClosed(id, reason)
	}
}

func writeError(w http.ResponseWriter, status int, code protocol.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&protocol.ErrorMessage{Code: code, Message: msg})
}
