package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// QueueFactor sizes the work queue relative to the number of workers.
const QueueFactor = 10

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool runs jobs on a fixed number of workers fed by a bounded queue of
// QueueFactor × size jobs.
type Pool struct {
	size   int
	queue  chan Job
	notify chan struct{}
	logger *zap.Logger

	active  atomic.Int64
	pending atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a new worker pool
func NewPool(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   size,
		queue:  make(chan Job, QueueFactor*size),
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Start starts the worker pool. Jobs receive ctx; workers keep draining the
// queue after ctx is done so that every submitted job signals completion.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for job := range p.queue {
		p.run(ctx, logger, job)
	}
	logger.Debug("Worker finished - no more jobs")
}

func (p *Pool) run(ctx context.Context, logger *zap.Logger, job Job) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", zap.String("key", job.Key()), zap.Any("panic", r))
		}
		p.active.Add(-1)
		p.pending.Add(-1)
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}()
	job.Run(ctx)
}

// Submit enqueues job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Len is the number of queued jobs not yet picked up by a worker.
func (p *Pool) Len() int { return len(p.queue) }

// Cap is the queue capacity.
func (p *Pool) Cap() int { return cap(p.queue) }

// Size is the number of workers.
func (p *Pool) Size() int { return p.size }

// Active is the number of jobs currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Pending counts queued and running jobs.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Notify receives a value after job completions. Signals are coalesced.
func (p *Pool) Notify() <-chan struct{} { return p.notify }

// Close stops accepting jobs and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
