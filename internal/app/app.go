package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/config"
	"bucketsyncer/internal/metrics"
	"bucketsyncer/internal/progress"
	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
	"bucketsyncer/internal/worker"
)

// Mirror represents the main mirror application
type Mirror struct {
	opts    config.Options
	logger  *zap.Logger
	src     storage.Backend
	dst     storage.Backend
	journal checkpoint.Store
	stats   *stats.Stats
}

// New opens both backends and, when configured, the journal.
func New(ctx context.Context, opts config.Options, logger *zap.Logger) (*Mirror, error) {
	src, err := storage.Open(ctx, opts.SrcStore, opts.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}
	dst, err := storage.Open(ctx, opts.DestStore, opts.Dest)
	if err != nil {
		closeBackend(src)
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}

	m := NewWithBackends(opts, src, dst, logger)
	if opts.Journal != "" {
		journal, err := checkpoint.NewSQLiteStore(opts.Journal)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		m.journal = journal
	}
	return m, nil
}

// NewWithBackends builds a mirror over already opened backends.
func NewWithBackends(opts config.Options, src, dst storage.Backend, logger *zap.Logger) *Mirror {
	return &Mirror{
		opts:   opts,
		logger: logger,
		src:    src,
		dst:    dst,
		stats:  stats.New(),
	}
}

// SetJournal replaces the outcome journal.
func (m *Mirror) SetJournal(journal checkpoint.Store) { m.journal = journal }

// Stats returns the counters of the mirror.
func (m *Mirror) Stats() *stats.Stats { return m.stats }

// WorkerConfig derives the job configuration from opts.
func WorkerConfig(opts config.Options) worker.Config {
	return worker.Config{
		SrcBucket:            opts.SourceBucket,
		SrcPrefix:            opts.SourcePrefix,
		DstBucket:            opts.DestBucket,
		DstPrefix:            opts.DestPrefix,
		MaxRetries:           opts.MaxRetries,
		PartSize:             opts.PartSize,
		MaxSingleRequestSize: opts.MaxSingleRequestSize,
		Cutoff:               opts.Cutoff,
		DryRun:               opts.DryRun,
		CrossAccount:         opts.CrossAccount,
	}
}

// Run executes the mirror and appends the report when it ends, whatever
// the outcome.
func (m *Mirror) Run(ctx context.Context) error {
	m.logger.Info("Starting mirror",
		zap.String("source", m.opts.SourceName()),
		zap.String("source_prefix", m.opts.SourcePrefix),
		zap.String("destination", m.opts.DestName()),
		zap.String("dest_prefix", m.opts.DestPrefix),
		zap.Int("max_threads", m.opts.MaxThreads),
		zap.Bool("dry_run", m.opts.DryRun),
		zap.Bool("delete_removed", m.opts.DeleteRemoved),
		zap.Bool("cross_account_copy", m.opts.CrossAccount),
	)
	if !m.opts.Cutoff.IsZero() {
		m.logger.Info("Only copying objects modified after cutoff", zap.Time("cutoff", m.opts.Cutoff))
	}

	pool := worker.NewPool(m.opts.MaxThreads, m.logger)
	env := &worker.Env{
		Config:       WorkerConfig(m.opts),
		Src:          m.src,
		Dst:          m.dst,
		Stats:        m.stats,
		Logger:       m.logger,
		Journal:      m.journal,
		SharedServer: m.opts.SharedServer(),
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if m.opts.MetricsAddr != "" {
		collector := metrics.New(m.stats, pool)
		go func() {
			if err := collector.StartServer(metricsCtx, m.opts.MetricsAddr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
		m.logger.Info("Metrics server enabled", zap.String("addr", m.opts.MetricsAddr))
	}

	reporter := progress.NewReporter(m.stats, pool, m.opts.ProgressInterval, m.logger)
	reporter.Start()

	runErr := NewEngine(env, pool, m.opts.DeleteRemoved).Run(ctx)

	reporter.Stop()
	m.finish(runErr)
	return runErr
}

func (m *Mirror) finish(runErr error) {
	snap := m.stats.Snapshot()
	fields := []zap.Field{
		zap.Int64("objects_read", snap.ObjectsRead),
		zap.Int64("objects_copied", snap.ObjectsCopied),
		zap.Int64("copy_errors", snap.CopyErrors),
		zap.Int64("objects_deleted", snap.ObjectsDeleted),
		zap.Int64("delete_errors", snap.DeleteErrors),
		zap.Int64("bytes_copied", snap.BytesCopied),
		zap.String("duration", stats.FormatDuration(snap.Duration())),
	}
	if m.journal != nil {
		if counts, err := m.journal.CountByStatus(m.journal.RunID()); err == nil {
			fields = append(fields,
				zap.String("run_id", m.journal.RunID()),
				zap.Int("journal_failed", counts[checkpoint.StatusFailed]),
			)
		}
	}

	switch {
	case runErr == nil:
		m.logger.Info("Mirror completed", fields...)
	case errors.Is(runErr, context.Canceled):
		m.logger.Warn("Mirror interrupted", fields...)
	default:
		m.logger.Error("Mirror failed", append(fields, zap.Error(runErr))...)
	}

	if m.opts.Report == "" {
		return
	}
	if err := m.stats.WriteReport(m.opts.Report, m.opts.SourceName(), m.opts.DestName()); err != nil {
		m.logger.Error("Failed to write report", zap.String("path", m.opts.Report), zap.Error(err))
	}
}

// Close cleans up resources
func (m *Mirror) Close() error {
	var errs []error
	if m.journal != nil {
		errs = append(errs, m.journal.Close())
	}
	errs = append(errs, closeBackend(m.src), closeBackend(m.dst))
	return errors.Join(errs...)
}

func closeBackend(b storage.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
