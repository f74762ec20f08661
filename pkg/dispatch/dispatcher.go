package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/recorder"
)

// ErrChannelLost is returned by executors when the session has no live channel.
var ErrChannelLost = errors.New("dispatch: channel lost")

// Executor transmits command batches to the client of a session.
// Implementations must deliver the batches of one session in call order.
type Executor interface {
	SendCommands(ctx context.Context, id protocol.SessionID, cmds []*protocol.Command) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, id protocol.SessionID, cmds []*protocol.Command) error

// SendCommands calls f.
func (f ExecutorFunc) SendCommands(ctx context.Context, id protocol.SessionID, cmds []*protocol.Command) error {
	return f(ctx, id, cmds)
}

// Observer receives dispatch counters. Implementations must be safe for concurrent use.
type Observer interface {
	CommandsSent(n int)
	CommandsDropped(n int)
}

// Config configures a Dispatcher.
type Config struct {
	// SendTimeout bounds one executor call.
	// Default: 10 seconds.
	SendTimeout time.Duration

	// MaxBatch is the maximum number of commands per executor call.
	// Default: 256.
	MaxBatch int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SendTimeout: 10 * time.Second,
		MaxBatch:    256,
	}
}

type state uint8

const (
	stateOpen state = iota
	stateLost
	stateClosed
)

// Dispatcher serializes the outbound commands of one session.
//
// Dispatch appends to the pending queue and returns immediately. A single
// flusher goroutine drains the queue in order, mirrors every command to the
// recorder and hands batches to the executor. When the executor fails the
// dispatcher stops transmitting and drops further commands; closing the session
// is left to the transport.
type Dispatcher struct {
	id       protocol.SessionID
	executor Executor
	recorder *recorder.Recorder
	observer Observer
	config   Config

	mu       sync.Mutex
	queue    []*protocol.Command
	seq      uint64
	flushing bool
	idle     chan struct{}
	state    state
	done     chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64

	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder mirrors every dispatched command to rec. The dispatcher closes rec.
func WithRecorder(rec *recorder.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = rec
	}
}

// WithObserver reports sent and dropped counts to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithConfig overrides the default configuration.
func WithConfig(c *Config) Option {
	return func(d *Dispatcher) {
		if c == nil {
			return
		}
		if c.SendTimeout > 0 {
			d.config.SendTimeout = c.SendTimeout
		}
		if c.MaxBatch > 0 {
			d.config.MaxBatch = c.MaxBatch
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a dispatcher for one session.
func New(id protocol.SessionID, executor Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		id:       id,
		executor: executor,
		config:   *DefaultConfig(),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher", "session_id", id.String())
	return d
}

// SessionID returns the session this dispatcher serves.
func (d *Dispatcher) SessionID() protocol.SessionID {
	return d.id
}

// Dispatch assigns the next sequence number to cmd and queues it for
// transmission. Commands are transmitted in Dispatch order. After Close, or
// once the channel is lost, commands are dropped silently.
func (d *Dispatcher) Dispatch(cmd *protocol.Command) {
	if cmd == nil {
		return
	}

	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		d.drop(1)
		return
	}
	if d.state == stateLost && d.recorder == nil {
		d.mu.Unlock()
		d.drop(1)
		return
	}
	d.seq++
	cmd.Seq = d.seq
	d.queue = append(d.queue, cmd)
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.idle = make(chan struct{})
	d.mu.Unlock()

	go d.flush()
}

func (d *Dispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.state == stateClosed {
			pending := len(d.queue)
			d.queue = nil
			d.flushing = false
			close(d.idle)
			closeRecorder := d.state == stateClosed
			d.mu.Unlock()

			if pending > 0 {
				d.drop(pending)
			}
			if closeRecorder {
				d.closeRecorder()
				close(d.done)
			}
			return
		}

		batch := d.queue
		if len(batch) > d.config.MaxBatch {
			batch = batch[:d.config.MaxBatch:d.config.MaxBatch]
			d.queue = d.queue[d.config.MaxBatch:]
		} else {
			d.queue = nil
		}
		lost := d.state == stateLost
		d.mu.Unlock()

		d.record(batch)
		if lost {
			d.drop(len(batch))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
		err := d.executor.SendCommands(ctx, d.id, batch)
		cancel()
		if err != nil {
			d.markLost(err)
			d.drop(len(batch))
			continue
		}

		d.sent.Add(uint64(len(batch)))
		if d.observer != nil {
			d.observer.CommandsSent(len(batch))
		}
		d.logger.Debug("sent commands",
			"count", len(batch),
			"last_seq", batch[len(batch)-1].Seq)
	}
}

func (d *Dispatcher) record(batch []*protocol.Command) {
	if d.recorder == nil {
		return
	}
	for _, cmd := range batch {
		if err := d.recorder.Record(cmd); err != nil {
			d.logger.Warn("session recording failed", "error", err)
			return
		}
	}
}

func (d *Dispatcher) markLost(err error) {
	d.mu.Lock()
	if d.state == stateOpen {
		d.state = stateLost
	}
	d.mu.Unlock()
	d.logger.Info("channel lost, dropping further commands", "error", err)
}

func (d *Dispatcher) drop(n int) {
	d.dropped.Add(uint64(n))
	if d.observer != nil {
		d.observer.CommandsDropped(n)
	}
}

func (d *Dispatcher) closeRecorder() {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Close(); err != nil {
		d.logger.Warn("closing session recording failed", "error", err)
	}
}

// Lost reports whether transmission has stopped because the channel failed.
func (d *Dispatcher) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateLost
}

// Flush blocks until every queued command has been handed to the executor
// (or dropped), or ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	if !d.flushing {
		d.mu.Unlock()
		return nil
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher. Commands not yet handed to the executor are
// dropped; a batch already in flight completes. The recorder is closed once the
// flusher has exited, then Done is closed. Close is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return
	}
	d.state = stateClosed
	flushing := d.flushing
	d.mu.Unlock()

	if !flushing {
		d.closeRecorder()
		close(d.done)
	}
}

// Done is closed after Close once no batch is in flight anymore. Nothing
// reaches the executor after that.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stats returns transmitted and dropped command counts.
func (d *Dispatcher) Stats() (sent, dropped uint64) {
	return d.sent.Load(), d.dropped.Load()
}
