package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
	"bucketsyncer/internal/worker"
)

const (
	backpressureDelay = 50 * time.Millisecond
	drainPollInterval = 100 * time.Millisecond
	// DefaultStopTimeout bounds how long Stop waits for the master loop.
	DefaultStopTimeout = 10 * time.Second
)

// State is the lifecycle state of a Master.
type State int32

const (
	StateIdle State = iota
	StateListing
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Master drives one direction of the mirror: it lists a bucket, turns every
// entry into a job and feeds the shared pool without overrunning its queue.
type Master struct {
	name    string
	backend storage.Backend
	lister  ListerConfig
	newJob  func(storage.ObjectRecord) worker.Job
	pool    *worker.Pool
	stats   *stats.Stats
	logger  *zap.Logger

	// StopTimeout overrides DefaultStopTimeout when positive.
	StopTimeout time.Duration

	state   atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	err       error
	submitted int64
}

func newMaster(name string, backend storage.Backend, bucket, prefix string, newJob func(storage.ObjectRecord) worker.Job, env *worker.Env, pool *worker.Pool) *Master {
	return &Master{
		name:    name,
		backend: backend,
		lister: ListerConfig{
			Bucket:     bucket,
			Prefix:     prefix,
			Capacity:   pool.Cap(),
			PageSize:   pool.Size(),
			MaxRetries: env.Config.MaxRetries,
		},
		newJob: newJob,
		pool:   pool,
		stats:  env.Stats,
		logger: env.Logger.With(zap.String("master", name)),
		done:   make(chan struct{}),
	}
}

// NewCopyMaster lists the source bucket and submits copy jobs.
func NewCopyMaster(env *worker.Env, pool *worker.Pool) *Master {
	return newMaster("copy", env.Src, env.Config.SrcBucket, env.Config.SrcPrefix, env.CopyJob, env, pool)
}

// NewDeleteMaster lists the destination bucket and submits delete jobs for
// objects that no longer exist in the source.
func NewDeleteMaster(env *worker.Env, pool *worker.Pool) *Master {
	return newMaster("delete", env.Dst, env.Config.DstBucket, env.Config.DeleteListPrefix(), env.DeleteJob, env, pool)
}

// Name returns the master name, "copy" or "delete".
func (m *Master) Name() string { return m.name }

// State returns the current lifecycle state.
func (m *Master) State() State { return State(m.state.Load()) }

// Submitted returns how many jobs were handed to the pool.
func (m *Master) Submitted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

// Start launches the master loop. It must be called at most once.
func (m *Master) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the master loop and waits for it to exit. Queued jobs are not
// cancelled here: in-flight work observes the pool context.
func (m *Master) Stop() {
	if !m.started.Load() {
		return
	}
	m.cancel()

	timeout := m.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
	case <-timer.C:
		m.logger.Warn("Master did not stop in time", zap.Duration("timeout", timeout))
	}
}

// Done is closed when the master loop has exited.
func (m *Master) Done() <-chan struct{} { return m.done }

// IsDone reports whether the master loop has exited.
func (m *Master) IsDone() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Err returns the fatal error that ended the master, if any.
func (m *Master) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Master) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

func (m *Master) run(ctx context.Context) {
	defer close(m.done)
	defer m.state.Store(int32(StateDone))

	m.state.Store(int32(StateListing))
	m.logger.Info("Starting listing",
		zap.String("bucket", m.lister.Bucket),
		zap.String("prefix", m.lister.Prefix),
	)

	lister, err := NewLister(ctx, m.backend, m.lister, m.stats, m.logger)
	if err != nil {
		m.logger.Error("Failed to start listing", zap.Error(err))
		m.fail(fmt.Errorf("%s master: %w", m.name, err))
		return
	}

	if err := m.feed(ctx, lister); err != nil && !errors.Is(err, context.Canceled) {
		m.fail(fmt.Errorf("%s master: %w", m.name, err))
	}
	if err := lister.Err(); err != nil {
		m.fail(fmt.Errorf("%s master: listing aborted: %w", m.name, err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	m.state.Store(int32(StateDraining))
	m.logger.Info("Listing complete, waiting for workers", zap.Int64("submitted", m.Submitted()))
	m.drain(ctx)
}

// feed moves listed entries into the pool until the lister is exhausted.
func (m *Master) feed(ctx context.Context, lister *Lister) error {
	for {
		batch := lister.NextBatch()
		if len(batch) == 0 {
			if !lister.IsDone() {
				if !sleep(ctx, backpressureDelay) {
					return ctx.Err()
				}
				continue
			}
			// The final page may land between NextBatch and IsDone.
			if batch = lister.NextBatch(); len(batch) == 0 {
				return nil
			}
		}

		for _, rec := range batch {
			if err := m.waitForCapacity(ctx); err != nil {
				return err
			}
			if err := m.pool.Submit(ctx, m.newJob(rec)); err != nil {
				return err
			}
			m.mu.Lock()
			m.submitted++
			m.mu.Unlock()
		}
	}
}

// waitForCapacity blocks while the pool queue is full.
func (m *Master) waitForCapacity(ctx context.Context) error {
	for m.pool.Len() >= m.pool.Cap() {
		timer := time.NewTimer(backpressureDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.pool.Notify():
			timer.Stop()
		case <-timer.C:
		}
	}
	return nil
}

// drain waits until the pool has no queued or running jobs.
func (m *Master) drain(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for m.pool.Pending() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	m.logger.Info("Master finished", zap.Int64("submitted", m.Submitted()))
}
