package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

type startCall struct {
	id      protocol.SessionID
	client  protocol.ClientSnapshot
	refresh bool
}

type closeCall struct {
	id     protocol.SessionID
	reason protocol.ClosingReason
}

type recordingHandler struct {
	mu       sync.Mutex
	startErr error
	eventErr error

	started chan startCall
	events  chan protocol.Event
	closed  chan closeCall
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		started: make(chan startCall, 8),
		events:  make(chan protocol.Event, 8),
		closed:  make(chan closeCall, 8),
	}
}

func (h *recordingHandler) OnSessionStarted(_ context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error {
	h.started <- startCall{id: id, client: *client}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}

func (h *recordingHandler) OnSessionClientRefresh(_ context.Context, id protocol.SessionID, client *protocol.ClientSnapshot) error {
	h.started <- startCall{id: id, client: *client, refresh: true}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}

func (h *recordingHandler) OnEvent(_ context.Context, _ protocol.SessionID, event *protocol.Event) error {
	h.events <- *event
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eventErr
}

func (h *recordingHandler) OnSessionClosed(id protocol.SessionID, reason protocol.ClosingReason) {
	h.closed <- closeCall{id: id, reason: reason}
}

func (h *recordingHandler) waitStarted(t *testing.T) startCall {
	t.Helper()
	select {
	case s := <-h.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("session was not started")
		return startCall{}
	}
}

func (h *recordingHandler) waitEvent(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
		return protocol.Event{}
	}
}

func (h *recordingHandler) waitClosed(t *testing.T) closeCall {
	t.Helper()
	select {
	case c := <-h.closed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
		return closeCall{}
	}
}

func (h *recordingHandler) assertNotClosed(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.closed:
		t.Fatalf("unexpected close: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func newWSServer(t *testing.T, hub *Hub, handler SessionHandler) *httptest.Server {
	t.Helper()
	config := DefaultWebSocketConfig()
	config.PingInterval = 0
	srv := httptest.NewServer(NewWebSocketEndpoint(hub, handler, config))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _ := dialWSWithCookie(t, srv, "")
	return conn
}

// dialWSWithCookie dials carrying the given session cookie, if any, and
// returns the session cookie value the connection is bound to.
func dialWSWithCookie(t *testing.T, srv *httptest.Server, cookie string) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", (&http.Cookie{Name: SessionCookieName, Value: cookie}).String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial(%q) failed: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			cookie = c.Value
		}
	}
	return conn, cookie
}

func writeJSONFrame(t *testing.T, conn *websocket.Conn, ft protocol.FrameType, v any) {
	t.Helper()
	f, err := protocol.EncodeJSON(ft, v)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
		t.Fatalf("write %s frame failed: %v", ft, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	return f
}

func readWelcome(t *testing.T, conn *websocket.Conn) protocol.SessionID {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != protocol.FrameWelcome {
		t.Fatalf("frame type = %v, want %v", f.Type, protocol.FrameWelcome)
	}
	var w protocol.Welcome
	if err := protocol.DecodeJSON(f, &w); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	return w.SessionID
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	srv := newWSServer(t, hub, handler)
	conn := dialWS(t, srv)

	writeJSONFrame(t, conn, protocol.FrameHello, &protocol.Hello{
		Client: protocol.ClientSnapshot{ViewportWidth: 640, UserAgent: "test-agent"},
	})
	id := readWelcome(t, conn)
	start := handler.waitStarted(t)
	if start.id != id || start.refresh {
		t.Fatalf("start = %+v, want id %v", start, id)
	}
	if start.client.ViewportWidth != 640 || start.client.UserAgent != "test-agent" || start.client.IP == "" {
		t.Fatalf("client snapshot = %+v", start.client)
	}

	cmds := []*protocol.Command{{Seq: 1, Name: "A"}, {Seq: 2, Name: "B"}, {Seq: 3, Name: "C"}}
	if err := hub.SendCommands(context.Background(), id, cmds); err != nil {
		t.Fatalf("SendCommands() error = %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != protocol.FrameCommands {
		t.Fatalf("frame type = %v, want %v", f.Type, protocol.FrameCommands)
	}
	if !f.Flags.Has(protocol.FlagSequenced) || !f.Flags.Has(protocol.FlagFinal) {
		t.Fatalf("commands frame flags = %v, want sequenced and final", f.Flags)
	}
	var batch protocol.CommandBatch
	protocol.DecodeJSON(f, &batch)
	if len(batch.Commands) != 3 || batch.Commands[0].Name != "A" || batch.Commands[2].Name != "C" {
		t.Fatalf("commands = %v", batch.Commands)
	}

	writeJSONFrame(t, conn, protocol.FrameEvent, &protocol.Event{ComponentID: "btn", Name: "click"})
	if ev := handler.waitEvent(t); ev.ComponentID != "btn" {
		t.Fatalf("event = %+v", ev)
	}

	writeJSONFrame(t, conn, protocol.FrameControl, &protocol.Control{Type: protocol.ControlPing, Timestamp: 42})
	f = readFrame(t, conn)
	var pong protocol.Control
	protocol.DecodeJSON(f, &pong)
	if pong.Type != protocol.ControlPong || pong.Timestamp != 42 {
		t.Fatalf("pong = %+v", pong)
	}

	writeJSONFrame(t, conn, protocol.FrameControl, &protocol.Control{Type: protocol.ControlClose})
	if c := handler.waitClosed(t); c.id != id || c.reason != protocol.ReasonClientClosed {
		t.Fatalf("closed = %+v", c)
	}
	if hub.Count() != 0 {
		t.Fatalf("hub Count() = %d, want 0", hub.Count())
	}
}

func TestWebSocketInvalidHello(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	srv := newWSServer(t, hub, handler)
	conn := dialWS(t, srv)

	writeJSONFrame(t, conn, protocol.FrameEvent, &protocol.Event{ComponentID: "x"})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("frame type = %v, want %v", f.Type, protocol.FrameError)
	}
	var msg protocol.ErrorMessage
	protocol.DecodeJSON(f, &msg)
	if msg.Code != protocol.ErrCodeInvalidHello {
		t.Fatalf("error code = %q", msg.Code)
	}
	select {
	case s := <-handler.started:
		t.Fatalf("session started on invalid hello: %+v", s)
	default:
	}
}

func TestWebSocketStartFailure(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	handler.startErr = errors.New("init failed")
	srv := newWSServer(t, hub, handler)
	conn := dialWS(t, srv)

	writeJSONFrame(t, conn, protocol.FrameHello, &protocol.Hello{})
	readWelcome(t, conn)
	handler.waitStarted(t)

	f := readFrame(t, conn)
	var msg protocol.ErrorMessage
	protocol.DecodeJSON(f, &msg)
	if f.Type != protocol.FrameError || msg.Code != protocol.ErrCodeSessionFailure {
		t.Fatalf("frame = %v %+v, want session failure error", f.Type, msg)
	}
	if c := handler.waitClosed(t); c.reason != protocol.ReasonHandlerFailure {
		t.Fatalf("close reason = %v", c.reason)
	}
}

func TestWebSocketReplacedConnection(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	srv := newWSServer(t, hub, handler)

	first, cookie := dialWSWithCookie(t, srv, "")
	writeJSONFrame(t, first, protocol.FrameHello, &protocol.Hello{})
	id := readWelcome(t, first)
	handler.waitStarted(t)

	second, _ := dialWSWithCookie(t, srv, cookie)
	writeJSONFrame(t, second, protocol.FrameRefresh, &protocol.Hello{SessionID: id})
	if got := readWelcome(t, second); got != id {
		t.Fatalf("refresh welcome id = %v, want %v", got, id)
	}
	if s := handler.waitStarted(t); !s.refresh || s.id != id {
		t.Fatalf("refresh start = %+v", s)
	}

	f := readFrame(t, first)
	var c protocol.Control
	protocol.DecodeJSON(f, &c)
	if f.Type != protocol.FrameControl || c.Type != protocol.ControlClose || c.Reason != "replaced" {
		t.Fatalf("first connection got %v %+v, want replaced close", f.Type, c)
	}

	// The replaced connection must not end the session.
	handler.assertNotClosed(t)
	if ch, ok := hub.Channel(id); !ok || ch == nil {
		t.Fatal("session lost its channel")
	}
}

func TestWebSocketRejectsForeignSession(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	srv := newWSServer(t, hub, handler)

	owner := dialWS(t, srv)
	writeJSONFrame(t, owner, protocol.FrameHello, &protocol.Hello{})
	id := readWelcome(t, owner)
	handler.waitStarted(t)

	// Without the owner's cookie the server hands out a new HTTP session.
	intruder := dialWS(t, srv)
	writeJSONFrame(t, intruder, protocol.FrameRefresh, &protocol.Hello{SessionID: id})
	f := readFrame(t, intruder)
	var msg protocol.ErrorMessage
	protocol.DecodeJSON(f, &msg)
	if f.Type != protocol.FrameError || msg.Code != protocol.ErrCodeSessionMismatch {
		t.Fatalf("frame = %v %+v, want session mismatch error", f.Type, msg)
	}

	select {
	case s := <-handler.started:
		t.Fatalf("foreign refresh reached the handler: %+v", s)
	default:
	}
	handler.assertNotClosed(t)
	if ch, ok := hub.Channel(id); !ok || ch == nil {
		t.Fatal("owner lost its channel")
	}
}

func TestWebSocketEventErrors(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	handler.eventErr = context.Canceled
	srv := newWSServer(t, hub, handler)
	conn := dialWS(t, srv)

	writeJSONFrame(t, conn, protocol.FrameHello, &protocol.Hello{})
	id := readWelcome(t, conn)
	handler.waitStarted(t)

	// An event the handler could not process leaves the session alive.
	writeJSONFrame(t, conn, protocol.FrameEvent, &protocol.Event{ComponentID: "x", Name: "y"})
	handler.waitEvent(t)
	f := readFrame(t, conn)
	var msg protocol.ErrorMessage
	protocol.DecodeJSON(f, &msg)
	if f.Type != protocol.FrameError || msg.Code != protocol.ErrCodeUnavailable {
		t.Fatalf("frame = %v %+v, want unavailable error", f.Type, msg)
	}
	handler.assertNotClosed(t)

	// A failed session ends the connection.
	handler.mu.Lock()
	handler.eventErr = fmt.Errorf("%w: boom", ErrSessionFailed)
	handler.mu.Unlock()
	writeJSONFrame(t, conn, protocol.FrameEvent, &protocol.Event{ComponentID: "x", Name: "y"})
	handler.waitEvent(t)
	if c := handler.waitClosed(t); c.id != id || c.reason != protocol.ReasonHandlerFailure {
		t.Fatalf("closed = %+v, want handler_failure", c)
	}
}

func TestWebSocketSetsSessionCookie(t *testing.T) {
	hub := NewHub(nil)
	handler := newRecordingHandler()
	srv := newWSServer(t, hub, handler)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("session cookie not set")
	}

	writeJSONFrame(t, conn, protocol.FrameHello, &protocol.Hello{})
	if id := readWelcome(t, conn); id.HTTPSessionID != cookie.Value {
		t.Fatalf("http session id = %q, want cookie %q", id.HTTPSessionID, cookie.Value)
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		reason protocol.ClosingReason
		want   int
	}{
		{protocol.ReasonClientClosed, websocket.CloseNormalClosure},
		{protocol.ReasonReplaced, websocket.CloseNormalClosure},
		{protocol.ReasonServerShutdown, websocket.CloseGoingAway},
		{protocol.ReasonTimeout, websocket.CloseGoingAway},
		{protocol.ReasonHandlerFailure, websocket.CloseInternalServerErr},
		{protocol.ReasonTransportError, websocket.ClosePolicyViolation},
	}
	for _, tt := range tests {
		if got := closeCode(tt.reason); got != tt.want {
			t.Errorf("closeCode(%v) = %d, want %d", tt.reason, got, tt.want)
		}
	}
}
