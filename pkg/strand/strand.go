package strand

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned for tasks submitted to, or still queued on, a closed strand.
var ErrClosed = errors.New("strand: closed")

// Task is one unit of work executed on a strand.
//
// The context carries the values of the submitter's context and is cancelled
// when the strand closes. Cancellation is advisory: a running task is never
// interrupted.
type Task func(ctx context.Context) error

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("strand: task panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Strand executes submitted tasks one at a time, in submission order, on workers
// borrowed from its Pool. Different strands run in parallel.
type Strand struct {
	name string
	pool *Pool

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*job
	running bool
	closed  bool
	onIdle  func()
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Name returns the strand name given at creation.
func (s *Strand) Name() string {
	return s.name
}

// Submit queues task behind all previously submitted tasks and returns a
// Future that completes when the task has run. Submit never blocks.
func (s *Strand) Submit(ctx context.Context, task Task) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFuture()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.complete(ErrClosed)
		return f
	}
	s.queue = append(s.queue, &job{ctx: ctx, task: task, future: f})
	if s.running {
		s.mu.Unlock()
		return f
	}
	s.running = true
	s.mu.Unlock()

	if !s.pool.schedule(s.drain) {
		s.abandon(ErrPoolClosed)
	}
	return f
}

// Pending returns the number of tasks waiting to run.
func (s *Strand) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Closed reports whether Close has been called.
func (s *Strand) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting tasks. Queued tasks that have not started complete
// with ErrClosed. A task that is already running finishes normally; onIdle runs
// exactly once after it returns, or immediately when the strand is idle.
// Only the first call has any effect.
func (s *Strand) Close(onIdle func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	running := s.running
	if running {
		s.onIdle = onIdle
	}
	s.mu.Unlock()

	s.cancel()
	for _, j := range pending {
		j.future.complete(ErrClosed)
	}
	if !running && onIdle != nil {
		onIdle()
	}
}

// drain runs queued tasks until the queue is empty. After a batch it hands the
// strand back to the pool so other strands get a turn.
func (s *Strand) drain() {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			idle := s.onIdle
			s.onIdle = nil
			s.mu.Unlock()
			if idle != nil {
				idle()
			}
			return
		}
		if ran >= s.pool.batch {
			s.mu.Unlock()
			if s.pool.schedule(s.drain) {
				return
			}
			ran = 0
			continue
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		ran++
		j.future.complete(s.run(j))
	}
}

// abandon fails every queued task when no worker could be scheduled.
func (s *Strand) abandon(err error) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.running = false
	idle := s.onIdle
	s.onIdle = nil
	s.mu.Unlock()

	for _, j := range pending {
		j.future.complete(err)
	}
	if idle != nil {
		idle()
	}
}

func (s *Strand) run(j *job) (err error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(j.ctx))
	stop := context.AfterFunc(s.base, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			s.pool.logger.Error("task panic",
				"strand", s.name,
				"panic", r)
		}
	}()

	return j.task(ctx)
}
