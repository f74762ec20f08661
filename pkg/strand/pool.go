package strand

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned for tasks that could not be scheduled because the pool is closed.
var ErrPoolClosed = errors.New("strand: pool closed")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the maximum number of strands draining at the same time.
	// Default: 4 * GOMAXPROCS.
	Workers int

	// Batch is how many tasks a strand runs before yielding its worker.
	// Default: 32.
	Batch int
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers: 4 * runtime.GOMAXPROCS(0),
		Batch:   32,
	}
}

// Pool is a bounded set of workers shared by many strands.
// A strand occupies a worker only while it has queued tasks.
type Pool struct {
	sem   chan struct{}
	batch int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	strands atomic.Int64
	busy    atomic.Int64

	logger *slog.Logger
}

// NewPool creates a worker pool. A nil config uses DefaultPoolConfig.
func NewPool(config *PoolConfig, logger *slog.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if config == nil {
		config = defaults
	}
	workers := config.Workers
	if workers <= 0 {
		workers = defaults.Workers
	}
	batch := config.Batch
	if batch <= 0 {
		batch = defaults.Batch
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		sem:    make(chan struct{}, workers),
		batch:  batch,
		logger: logger.With("component", "strand_pool"),
	}
}

// NewStrand creates a strand bound to this pool.
func (p *Pool) NewStrand(name string) *Strand {
	base, cancel := context.WithCancel(context.Background())
	p.strands.Add(1)
	return &Strand{
		name:   name,
		pool:   p,
		base:   base,
		cancel: cancel,
	}
}

// Workers returns the worker limit.
func (p *Pool) Workers() int {
	return cap(p.sem)
}

// Busy returns the number of workers currently draining a strand.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// schedule runs fn on a worker once one is free. It returns false when the
// pool is closed.
func (p *Pool) schedule(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		p.busy.Add(1)
		defer func() {
			p.busy.Add(-1)
			<-p.sem
		}()
		fn()
	}()
	return true
}

// Close stops scheduling new work and waits for running drains to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("pool closed")
}
