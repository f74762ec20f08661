package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

// SessionCookieName carries the HTTP session id shared by all UI sessions of
// one browser.
const SessionCookieName = "ux_session"

// ErrInvalidHello is returned when a connection does not open with a valid
// hello or refresh frame.
var ErrInvalidHello = errors.New("transport: invalid hello")

// ErrSessionMismatch is returned when a client names an HTTP session other
// than the one its session cookie carries.
var ErrSessionMismatch = errors.New("transport: session belongs to another client")

// EndpointOption configures an endpoint.
type EndpointOption func(*endpointOptions)

type endpointOptions struct {
	clientIP func(*http.Request) string
	logger   *slog.Logger
}

// WithClientIP sets the function deriving the client address from a request.
// Default: the request's RemoteAddr host.
func WithClientIP(fn func(*http.Request) string) EndpointOption {
	return func(o *endpointOptions) {
		o.clientIP = fn
	}
}

// WithEndpointLogger sets the endpoint logger.
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(o *endpointOptions) {
		o.logger = logger
	}
}

func buildEndpointOptions(component string, opts []EndpointOption) endpointOptions {
	o := endpointOptions{clientIP: remoteHost}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", component)
	return o
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// httpSessionID returns the browser's HTTP session id, and a cookie to set
// when a new one was generated.
func httpSessionID(r *http.Request) (string, *http.Cookie) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	id := uuid.NewString()
	return id, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ownsSession reports whether the request's session cookie carries httpID.
func ownsSession(r *http.Request, httpID string) bool {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" || httpID == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(httpID)) == 1
}

// resolveHello fills in server-side knowledge about the client and assigns a
// UI session id when the client has none. A refresh without an id is a start.
// A hello naming an HTTP session other than httpID fails with
// ErrSessionMismatch.
func resolveHello(hello *protocol.Hello, refresh bool, httpID string, r *http.Request, clientIP func(*http.Request) string) (protocol.SessionID, bool, error) {
	id := hello.SessionID
	if id.HTTPSessionID == "" {
		id.HTTPSessionID = httpID
	}
	if id.HTTPSessionID != httpID {
		return id, false, ErrSessionMismatch
	}
	if id.UISessionID == "" {
		id.UISessionID = uuid.NewString()
		refresh = false
	}
	if clientIP != nil {
		hello.Client.IP = clientIP(r)
	}
	if hello.Client.UserAgent == "" {
		hello.Client.UserAgent = r.UserAgent()
	}
	return id, refresh, nil
}

// WebSocketEndpoint serves the session WebSocket.
type WebSocketEndpoint struct {
	hub      *Hub
	handler  SessionHandler
	config   *WebSocketConfig
	upgrader websocket.Upgrader
	clientIP func(*http.Request) string
	logger   *slog.Logger
}

// NewWebSocketEndpoint creates an endpoint that binds accepted connections in
// hub and reports their sessions to handler.
func NewWebSocketEndpoint(hub *Hub, handler SessionHandler, config *WebSocketConfig, opts ...EndpointOption) *WebSocketEndpoint {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	config = config.withDefaults()
	o := buildEndpointOptions("websocket", opts)

	return &WebSocketEndpoint{
		hub:     hub,
		handler: handler,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		clientIP: o.clientIP,
		logger:   o.logger,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (e *WebSocketEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpID, cookie := httpSessionID(r)
	var header http.Header
	if cookie != nil {
		header = http.Header{}
		header.Add("Set-Cookie", cookie.String())
	}

	conn, err := e.upgrader.Upgrade(w, r, header)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(e.config.MaxMessageSize)

	// The request context is not tied to the hijacked connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	e.serve(ctx, r, conn, httpID)
}

func (e *WebSocketEndpoint) serve(ctx context.Context, r *http.Request, conn *websocket.Conn, httpID string) {
	ch := NewWebSocketChannel(conn, e.config.WriteTimeout, e.logger)

	hello, refresh, err := e.readHello(conn)
	if err != nil {
		e.logger.Debug("handshake failed", "error", err)
		ch.SendJSON(ctx, protocol.FrameError, &protocol.ErrorMessage{
			Code:    protocol.ErrCodeInvalidHello,
			Message: err.Error(),
		})
		ch.Close(protocol.ReasonTransportError)
		return
	}

	id, refresh, err := resolveHello(hello, refresh, httpID, r, e.clientIP)
	if err != nil {
		e.logger.Warn("hello rejected", "session_id", id.String(), "error", err)
		ch.SendJSON(ctx, protocol.FrameError, &protocol.ErrorMessage{
			Code:    protocol.ErrCodeSessionMismatch,
			Message: err.Error(),
		})
		ch.Close(protocol.ReasonTransportError)
		return
	}
	logger := e.logger.With("session_id", id.String())

	if err := ch.SendJSON(ctx, protocol.FrameWelcome, &protocol.Welcome{SessionID: id}); err != nil {
		logger.Debug("welcome write failed", "error", err)
		ch.Close(protocol.ReasonTransportError)
		return
	}
	e.hub.Attach(id, ch)

	start := e.handler.OnSessionStarted
	if refresh {
		start = e.handler.OnSessionClientRefresh
	}
	if err := start(ctx, id, &hello.Client); err != nil {
		logger.Warn("session start failed", "refresh", refresh, "error", err)
		ch.SendJSON(ctx, protocol.FrameError, &protocol.ErrorMessage{
			Code:    protocol.ErrCodeSessionFailure,
			Message: "session start failed",
		})
		e.finish(id, ch, protocol.ReasonHandlerFailure)
		return
	}
	logger.Debug("websocket session established", "refresh", refresh)

	if e.config.PingInterval > 0 {
		go e.heartbeat(ch)
	}

	reason := e.readLoop(ctx, r, conn, ch, id, logger)
	e.finish(id, ch, reason)
}

func (e *WebSocketEndpoint) finish(id protocol.SessionID, ch *WebSocketChannel, reason protocol.ClosingReason) {
	owned := e.hub.Detach(id, ch)
	ch.Close(reason)
	if owned {
		e.handler.OnSessionClosed(id, reason)
	}
}

func (e *WebSocketEndpoint) readHello(conn *websocket.Conn) (*protocol.Hello, bool, error) {
	conn.SetReadDeadline(time.Now().Add(e.config.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if f.Type != protocol.FrameHello && f.Type != protocol.FrameRefresh {
		return nil, false, fmt.Errorf("%w: unexpected %s frame", ErrInvalidHello, f.Type)
	}
	var hello protocol.Hello
	if err := protocol.DecodeJSON(f, &hello); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	return &hello, f.Type == protocol.FrameRefresh, nil
}

func (e *WebSocketEndpoint) heartbeat(ch *WebSocketChannel) {
	ticker := time.NewTicker(e.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				return
			}
		case <-ch.Done():
			return
		}
	}
}

func (e *WebSocketEndpoint) readLoop(ctx context.Context, r *http.Request, conn *websocket.Conn, ch *WebSocketChannel, id protocol.SessionID, logger *slog.Logger) protocol.ClosingReason {
	for {
		conn.SetReadDeadline(time.Now().Add(e.config.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.Done():
				return ch.Reason()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.ReasonClientClosed
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
				logger.Warn("read error", "error", err)
			}
			return protocol.ReasonTransportError
		}

		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			e.protocolError(ctx, ch, logger, err)
			continue
		}

		switch f.Type {
		case protocol.FrameEvent:
			var ev protocol.Event
			if err := protocol.DecodeJSON(f, &ev); err != nil {
				e.protocolError(ctx, ch, logger, err)
				continue
			}
			if err := e.handler.OnEvent(ctx, id, &ev); err != nil {
				logger.Warn("event handling failed", "component", ev.ComponentID, "event", ev.Name, "error", err)
				if errors.Is(err, ErrSessionFailed) {
					return protocol.ReasonHandlerFailure
				}
				e.unavailable(ctx, ch, "event not processed")
			}

		case protocol.FrameRefresh:
			var hello protocol.Hello
			if err := protocol.DecodeJSON(f, &hello); err != nil {
				e.protocolError(ctx, ch, logger, err)
				continue
			}
			hello.SessionID = id
			resolveHello(&hello, true, id.HTTPSessionID, r, e.clientIP)
			if err := e.handler.OnSessionClientRefresh(ctx, id, &hello.Client); err != nil {
				logger.Warn("session refresh failed", "error", err)
				if errors.Is(err, ErrSessionFailed) {
					return protocol.ReasonHandlerFailure
				}
				e.unavailable(ctx, ch, "refresh not processed")
			}

		case protocol.FrameControl:
			var c protocol.Control
			if err := protocol.DecodeJSON(f, &c); err != nil {
				e.protocolError(ctx, ch, logger, err)
				continue
			}
			switch c.Type {
			case protocol.ControlPing:
				ch.SendJSON(ctx, protocol.FrameControl, &protocol.Control{
					Type:      protocol.ControlPong,
					Timestamp: c.Timestamp,
				})
			case protocol.ControlPong:
				logger.Debug("received pong")
			case protocol.ControlClose:
				logger.Debug("client closing", "reason", c.Reason)
				return protocol.ReasonClientClosed
			}

		default:
			e.protocolError(ctx, ch, logger, fmt.Errorf("unexpected %s frame", f.Type))
		}
	}
}

func (e *WebSocketEndpoint) unavailable(ctx context.Context, ch *WebSocketChannel, msg string) {
	ch.SendJSON(ctx, protocol.FrameError, &protocol.ErrorMessage{
		Code:    protocol.ErrCodeUnavailable,
		Message: msg,
	})
}

func (e *WebSocketEndpoint) protocolError(ctx context.Context, ch *WebSocketChannel, logger *slog.Logger, err error) {
	logger.Warn("protocol error", "error", err)
	ch.SendJSON(ctx, protocol.FrameError, &protocol.ErrorMessage{
		Code:    protocol.ErrCodeInvalidFrame,
		Message: err.Error(),
	})
}
