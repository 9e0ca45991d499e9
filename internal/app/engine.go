package app

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bucketsyncer/internal/worker"
)

// ErrFatal wraps the cause of a run aborted by a job or a lister.
var ErrFatal = errors.New("mirror aborted")

// Engine runs the copy master and, optionally, the delete master over one
// shared worker pool.
type Engine struct {
	env     *worker.Env
	pool    *worker.Pool
	masters []*Master
	logger  *zap.Logger
}

// NewEngine wires the masters for env. The delete master is only created
// when deleteRemoved is set.
func NewEngine(env *worker.Env, pool *worker.Pool, deleteRemoved bool) *Engine {
	e := &Engine{
		env:     env,
		pool:    pool,
		masters: []*Master{NewCopyMaster(env, pool)},
		logger:  env.Logger,
	}
	if deleteRemoved {
		e.masters = append(e.masters, NewDeleteMaster(env, pool))
	}
	return e
}

// Masters returns the masters driven by the engine.
func (e *Engine) Masters() []*Master { return e.masters }

// Run blocks until every master has finished and the pool has drained. A
// fatal condition raised by any job or master cancels the run and is
// returned wrapped in ErrFatal; cancellation of ctx returns its error.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.env.Fatal = func(err error) {
		e.logger.Error("Fatal error, stopping mirror", zap.Error(err))
		cancel(errors.Join(ErrFatal, err))
	}

	e.pool.Start(ctx)
	for _, m := range e.masters {
		m.Start(ctx)
	}

	var g errgroup.Group
	for _, m := range e.masters {
		g.Go(func() error {
			<-m.Done()
			if err := m.Err(); err != nil {
				e.env.Fatal(err)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, m := range e.masters {
		m.Stop()
	}
	e.pool.Close()

	return context.Cause(ctx)
}
