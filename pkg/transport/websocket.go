package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/uxcore/pkg/protocol"
)

// WebSocketConfig configures WebSocket channels and the endpoint.
type WebSocketConfig struct {
	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// MaxMessageSize is the largest inbound message accepted.
	// Default: 1MB.
	MaxMessageSize int64

	// WriteTimeout bounds a single frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the wait for the hello frame.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// PingInterval is the heartbeat period. 0 disables heartbeats.
	// Default: 30 seconds.
	PingInterval time.Duration

	// ReadTimeout closes connections that send nothing for this long,
	// heartbeat pongs included.
	// Default: 90 seconds.
	ReadTimeout time.Duration

	// CheckOrigin validates the Origin header. Nil accepts same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MaxMessageSize:   1 << 20,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *WebSocketConfig) Clone() *WebSocketConfig {
	clone := *c
	return &clone
}

func (c *WebSocketConfig) withDefaults() *WebSocketConfig {
	out := c.Clone()
	d := DefaultWebSocketConfig()
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = d.ReadTimeout
	}
	return out
}

// WebSocketChannel writes protocol frames to one WebSocket connection.
// Writes are serialized; Close may be called from any goroutine.
type WebSocketChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
	reason    protocol.ClosingReason

	logger *slog.Logger
}

// NewWebSocketChannel wraps conn.
func NewWebSocketChannel(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *WebSocketChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// Send writes cmds as one commands frame.
func (c *WebSocketChannel) Send(ctx context.Context, cmds []*protocol.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	f, err := protocol.EncodeCommands(cmds)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, f)
}

// SendJSON writes v as a frame of type ft.
func (c *WebSocketChannel) SendJSON(ctx context.Context, ft protocol.FrameType, v any) error {
	f, err := protocol.EncodeJSON(ft, v)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, f)
}

// Ping writes a heartbeat control frame.
func (c *WebSocketChannel) Ping() error {
	return c.SendJSON(context.Background(), protocol.FrameControl, &protocol.Control{
		Type:      protocol.ControlPing,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *WebSocketChannel) writeFrame(ctx context.Context, f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.writeLocked(f)
}

func (c *WebSocketChannel) writeLocked(f *protocol.Frame) error {
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(w, f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close sends a close control frame, closes the connection and releases
// Done. Only the first call has any effect.
func (c *WebSocketChannel) Close(reason protocol.ClosingReason) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if f, encErr := protocol.EncodeJSON(protocol.FrameControl, &protocol.Control{
			Type:   protocol.ControlClose,
			Reason: reason.String(),
		}); encErr == nil {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.writeLocked(f)
		}
		c.closed = true
		c.reason = reason
		c.mu.Unlock()

		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode(reason), reason.String()),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// Done is closed once the channel has been closed.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

// Reason returns the closing reason. It is valid after Done is closed.
func (c *WebSocketChannel) Reason() protocol.ClosingReason {
	<-c.done
	return c.reason
}

func closeCode(reason protocol.ClosingReason) int {
	switch reason {
	case protocol.ReasonClientClosed, protocol.ReasonReplaced:
		return websocket.CloseNormalClosure
	case protocol.ReasonServerShutdown, protocol.ReasonTimeout:
		return websocket.CloseGoingAway
	case protocol.ReasonHandlerFailure:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}
