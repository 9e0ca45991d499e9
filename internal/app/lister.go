package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
	"bucketsyncer/internal/worker"
)

const (
	listRetryDelay = 50 * time.Millisecond
	listIdleDelay  = 50 * time.Millisecond
	// listStatsEvery is the number of pages between progress log lines.
	listStatsEvery = 100
)

// ListerConfig describes one listing.
type ListerConfig struct {
	Bucket string
	Prefix string
	// Capacity is the buffer size above which the lister stops fetching.
	Capacity int
	// PageSize is the page size hint passed to the backend.
	PageSize   int
	MaxRetries int
}

// Lister pages through a bucket in the background and buffers the entries
// until the master drains them.
type Lister struct {
	backend storage.Backend
	cfg     ListerConfig
	stats   *stats.Stats
	logger  *zap.Logger

	mu    sync.Mutex
	buf   []storage.ObjectRecord
	err   error
	token string
	pages int

	done chan struct{}
}

// NewLister fetches the first page synchronously and, when more pages
// remain, keeps listing in the background until ctx is done. An error on
// the first page is returned and no goroutine is started.
func NewLister(ctx context.Context, backend storage.Backend, cfg ListerConfig, st *stats.Stats, logger *zap.Logger) (*Lister, error) {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 1
	}

	l := &Lister{
		backend: backend,
		cfg:     cfg,
		stats:   st,
		logger:  logger.With(zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix)),
		done:    make(chan struct{}),
	}

	page, err := l.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list first page of %s: %w", cfg.Bucket, err)
	}
	if more := l.add(page); !more {
		close(l.done)
		return l, nil
	}

	go l.run(ctx)
	return l, nil
}

func (l *Lister) run(ctx context.Context) {
	defer close(l.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if l.buffered() >= l.cfg.Capacity {
			if !sleep(ctx, listIdleDelay) {
				return
			}
			continue
		}

		page, err := l.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Failed to list page", zap.Error(err))
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}
		if more := l.add(page); !more {
			return
		}
	}
}

func (l *Lister) fetch(ctx context.Context) (storage.Page, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	var page storage.Page
	err := worker.Retry(ctx, l.logger, "list", l.cfg.MaxRetries, listRetryDelay, func() error {
		l.stats.GetCount.Add(1)
		var err error
		page, err = l.backend.ListPage(ctx, l.cfg.Bucket, l.cfg.Prefix, token, l.cfg.PageSize)
		return err
	})
	return page, err
}

// add buffers a page and reports whether more pages remain.
func (l *Lister) add(page storage.Page) bool {
	l.stats.ObjectsRead.Add(int64(len(page.Records)))

	l.mu.Lock()
	l.buf = append(l.buf, page.Records...)
	l.token = page.NextToken
	l.pages++
	pages := l.pages
	l.mu.Unlock()

	if pages%listStatsEvery == 0 {
		snap := l.stats.Snapshot()
		l.logger.Info("Listing progress",
			zap.Int("pages", pages),
			zap.Int64("objects_read", snap.ObjectsRead),
			zap.Int64("objects_copied", snap.ObjectsCopied),
			zap.Int64("objects_deleted", snap.ObjectsDeleted),
		)
	}

	if page.NextToken == "" {
		l.logger.Info("Finished listing objects", zap.Int("pages", pages))
		return false
	}
	return true
}

func (l *Lister) buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// NextBatch removes and returns everything buffered so far.
func (l *Lister) NextBatch() []storage.ObjectRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.buf
	l.buf = nil
	return batch
}

// Done is closed once listing has stopped.
func (l *Lister) Done() <-chan struct{} { return l.done }

// IsDone reports whether listing has stopped. Entries may still be
// buffered.
func (l *Lister) IsDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Err returns the error that stopped the listing early, if any.
func (l *Lister) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
