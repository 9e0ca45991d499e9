package worker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
)

// Job is one unit of work executed by the pool. Run performs a single
// decision and action sequence; it retries individual remote calls but
// never returns an error: failures are absorbed into Stats.
type Job interface {
	Key() string
	Run(ctx context.Context)
}

// Config contains job configuration
type Config struct {
	SrcBucket string
	SrcPrefix string
	DstBucket string
	DstPrefix string

	MaxRetries int
	RetryDelay time.Duration
	// PartSize is the multipart part size.
	PartSize int64
	// MaxSingleRequestSize is the largest object copied with one request.
	// Bigger objects use size-only change detection and multipart copy.
	MaxSingleRequestSize int64
	// Cutoff skips source objects last modified before it. Zero disables.
	Cutoff time.Time

	DryRun       bool
	CrossAccount bool
}

// DestKey maps a source key to its destination key. Keys are only rewritten
// when a destination prefix is configured.
func (c Config) DestKey(srcKey string) string {
	if c.DstPrefix == "" {
		return srcKey
	}
	return c.DstPrefix + strings.TrimPrefix(srcKey, c.SrcPrefix)
}

// SourceKey is the inverse of DestKey.
func (c Config) SourceKey(dstKey string) string {
	if c.DstPrefix == "" {
		return dstKey
	}
	return c.SrcPrefix + strings.TrimPrefix(dstKey, c.DstPrefix)
}

// DeleteListPrefix is the destination prefix swept for removed objects.
func (c Config) DeleteListPrefix() string {
	if c.DstPrefix != "" {
		return c.DstPrefix
	}
	return c.SrcPrefix
}

func (c Config) retries() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return c.RetryDelay
}

// Env is the state shared by every job of a run.
type Env struct {
	Config Config
	Src    storage.Backend
	Dst    storage.Backend
	Stats  *stats.Stats
	// Journal is optional.
	Journal checkpoint.Store
	Logger  *zap.Logger
	Routes  *Registry
	// SharedServer is set when source and destination are reachable through
	// the same server, which allows server-side copies.
	SharedServer bool
	// Fatal aborts the whole run. It may be nil in tests.
	Fatal func(error)
}

func (e *Env) fatal(err error) {
	if e.Fatal != nil {
		e.Fatal(err)
	}
}

func (e *Env) record(rec checkpoint.Record) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Record(&rec); err != nil {
		e.Logger.Warn("Failed to journal outcome",
			zap.String("bucket", rec.Bucket),
			zap.String("key", rec.Key),
			zap.Error(err),
		)
	}
}

// CopyJob builds the copy job for a source listing entry.
func (e *Env) CopyJob(rec storage.ObjectRecord) Job {
	size := SizeSmall
	if rec.Size > e.Config.MaxSingleRequestSize {
		size = SizeLarge
	}
	routes := e.Routes
	if routes == nil {
		routes = DefaultRegistry()
	}
	return routes.Resolve(e.Src.Kind(), e.Dst.Kind(), size, e.SharedServer)(e, rec)
}

// DeleteJob builds the delete job for a destination listing entry.
func (e *Env) DeleteJob(rec storage.ObjectRecord) Job {
	return NewDeleteJob(e, rec)
}
