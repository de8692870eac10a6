package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrResourceExhausted indicates a worker pool configured without capacity.
	ErrResourceExhausted = errors.New("worker pool ceiling must be at least 1")

	// ErrPoolStopped indicates a submission to a stopped pool.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// WorkerPool runs jobs on a fixed set of goroutines. One pool is created at
// startup and shared by every orchestrator, so its size is the process-wide
// ceiling on concurrently executing steps.
type WorkerPool struct {
	size   int
	jobs   chan func()
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool

	inFlight  atomic.Int64
	peak      atomic.Int64
	completed atomic.Int64
}

// NewWorkerPool starts size workers. A size below 1 is a configuration error.
func NewWorkerPool(size int, logger *zap.Logger) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrResourceExhausted, size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		size:   size,
		jobs:   make(chan func()),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("started worker pool", zap.Int("workers", size))
	return p, nil
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *WorkerPool) run(id int, job func()) {
	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Int("worker", id), zap.Any("panic", r))
		}
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}()
	job()
}

// Submit hands job to the next free worker. It blocks until a worker accepts
// the job, ctx is done, or the pool is stopped.
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs and waits for running ones, up to ctx's deadline.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("all workers finished gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop interrupted", zap.Int64("in_flight", p.inFlight.Load()))
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

// InFlight returns the number of jobs currently running.
func (p *WorkerPool) InFlight() int { return int(p.inFlight.Load()) }

// Peak returns the highest number of jobs that ever ran at once.
func (p *WorkerPool) Peak() int { return int(p.peak.Load()) }

// Completed returns the number of finished jobs.
func (p *WorkerPool) Completed() int64 { return p.completed.Load() }

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Size      int   `json:"size"`
	InFlight  int   `json:"in_flight"`
	Peak      int   `json:"peak"`
	Completed int64 `json:"completed"`
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{Size: p.size, InFlight: p.InFlight(), Peak: p.Peak(), Completed: p.Completed()}
}

// defaultStopTimeout bounds Stop when callers pass a context without deadline.
const defaultStopTimeout = 30 * time.Second

// Close stops the pool with the default timeout.
func (p *WorkerPool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	return p.Stop(ctx)
}
