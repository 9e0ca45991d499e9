package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/storage"
)

// copyBase holds the change detection and bookkeeping shared by every copy
// strategy.
type copyBase struct {
	env     *Env
	rec     storage.ObjectRecord
	destKey string
	logger  *zap.Logger
}

func newCopyBase(env *Env, rec storage.ObjectRecord) copyBase {
	destKey := env.Config.DestKey(rec.Key)
	return copyBase{
		env:     env,
		rec:     rec,
		destKey: destKey,
		logger:  env.Logger.With(zap.String("key", rec.Key), zap.String("dest_key", destKey)),
	}
}

// Key returns the source key.
func (b *copyBase) Key() string { return b.rec.Key }

// DestKey returns the destination key.
func (b *copyBase) DestKey() string { return b.destKey }

func (b *copyBase) getMetadata(ctx context.Context, backend storage.Backend, bucket, key string) (storage.Metadata, error) {
	var md storage.Metadata
	err := Retry(ctx, b.logger, "get metadata", b.env.Config.retries(), b.env.Config.retryDelay(), func() error {
		b.env.Stats.GetCount.Add(1)
		var err error
		md, err = backend.GetMetadata(ctx, bucket, key)
		return err
	})
	return md, err
}

// shouldTransfer reports whether the destination is missing or differs from
// the listing entry. A non-nil error means the destination state could not
// be established and the object must not be copied.
func (b *copyBase) shouldTransfer(ctx context.Context) (bool, error) {
	cfg := b.env.Config
	if !cfg.Cutoff.IsZero() && !b.rec.LastModified.IsZero() && b.rec.LastModified.Before(cfg.Cutoff) {
		b.logger.Debug("Object older than cutoff, not copying",
			zap.Time("last_modified", b.rec.LastModified),
			zap.Time("cutoff", cfg.Cutoff),
		)
		return false, nil
	}

	dst, err := b.getMetadata(ctx, b.env.Dst, cfg.DstBucket, b.destKey)
	if storage.IsNotFound(err) {
		b.logger.Debug("Object not found in destination, will copy")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get destination metadata: %w", err)
	}

	// Multipart etags are not comparable with single request etags.
	if b.rec.Size > cfg.MaxSingleRequestSize {
		return dst.Size != b.rec.Size, nil
	}

	changed := !b.rec.Fingerprint().Equal(dst.Fingerprint())
	if !changed {
		b.logger.Debug("Destination object is same as source, not copying")
	}
	return changed, nil
}

// prepare fetches the source metadata and, when it can be replayed, the
// source ACL.
func (b *copyBase) prepare(ctx context.Context) (storage.CopyRequest, error) {
	cfg := b.env.Config
	req := storage.CopyRequest{
		SrcBucket:    cfg.SrcBucket,
		SrcKey:       b.rec.Key,
		DstBucket:    cfg.DstBucket,
		DstKey:       b.destKey,
		CrossAccount: cfg.CrossAccount,
	}

	md, err := b.getMetadata(ctx, b.env.Src, cfg.SrcBucket, b.rec.Key)
	if err != nil {
		return req, fmt.Errorf("failed to get source metadata: %w", err)
	}
	req.Metadata = md

	if cfg.CrossAccount || b.env.Src.Kind() != b.env.Dst.Kind() {
		return req, nil
	}
	err = Retry(ctx, b.logger, "get acl", cfg.retries(), cfg.retryDelay(), func() error {
		b.env.Stats.GetCount.Add(1)
		var err error
		req.ACL, err = b.env.Src.GetACL(ctx, cfg.SrcBucket, b.rec.Key)
		return err
	})
	if err != nil {
		return req, fmt.Errorf("failed to get source acl: %w", err)
	}
	return req, nil
}

// run executes the decide, prepare and transfer sequence with transfer as
// the strategy.
func (b *copyBase) run(ctx context.Context, transfer func(context.Context, storage.CopyRequest) error) {
	defer b.logger.Debug("Done with object")

	ok, err := b.shouldTransfer(ctx)
	if err != nil {
		b.failed(err)
		return
	}
	if !ok {
		b.journal(checkpoint.StatusSkipped, "")
		return
	}

	req, err := b.prepare(ctx)
	if err != nil {
		b.failed(err)
		return
	}

	if b.env.Config.DryRun {
		b.logger.Info("Would have copied object", zap.Int64("size", req.Metadata.Size))
		return
	}

	if err := transfer(ctx, req); err != nil {
		b.failed(err)
		return
	}

	b.env.Stats.ObjectsCopied.Add(1)
	b.env.Stats.BytesCopied.Add(req.Metadata.Size)
	b.journal(checkpoint.StatusCopied, "")
	b.logger.Debug("Object copied", zap.Int64("size", req.Metadata.Size))
}

func (b *copyBase) failed(err error) {
	b.env.Stats.CopyErrors.Add(1)
	b.env.Stats.AddErrorKey(b.rec.Key)
	b.journal(checkpoint.StatusFailed, err.Error())
	b.logger.Error("Failed to copy object", zap.Error(err))
}

func (b *copyBase) journal(status checkpoint.Status, lastErr string) {
	b.env.record(checkpoint.Record{
		Bucket:    b.env.Config.SrcBucket,
		Key:       b.rec.Key,
		Op:        checkpoint.OpCopy,
		Size:      b.rec.Size,
		ETag:      b.rec.ETag,
		Status:    status,
		LastError: lastErr,
	})
}

// CopyJob copies an object with one server-side request issued through the
// source backend.
type CopyJob struct {
	copyBase
}

// NewCopyJob implements Factory.
func NewCopyJob(env *Env, rec storage.ObjectRecord) Job {
	return &CopyJob{copyBase: newCopyBase(env, rec)}
}

// Run implements Job.
func (j *CopyJob) Run(ctx context.Context) {
	j.run(ctx, j.copy)
}

func (j *CopyJob) copy(ctx context.Context, req storage.CopyRequest) error {
	err := Retry(ctx, j.logger, "copy", j.env.Config.retries(), j.env.Config.retryDelay(), func() error {
		j.env.Stats.CopyCount.Add(1)
		return j.env.Src.CopyObject(ctx, req)
	})
	if storage.IsNotFound(err) {
		// The object was listed, so a missing bucket is a configuration error.
		j.env.fatal(fmt.Errorf("failed to access bucket, check bucket names: %w", err))
	}
	return err
}

// StreamCopyJob reads the object from the source backend and writes it
// through the destination backend.
type StreamCopyJob struct {
	copyBase
}

// NewStreamCopyJob implements Factory.
func NewStreamCopyJob(env *Env, rec storage.ObjectRecord) Job {
	return &StreamCopyJob{copyBase: newCopyBase(env, rec)}
}

// Run implements Job.
func (j *StreamCopyJob) Run(ctx context.Context) {
	j.run(ctx, j.copy)
}

func (j *StreamCopyJob) copy(ctx context.Context, req storage.CopyRequest) error {
	put := storage.PutRequest{
		Bucket:       req.DstBucket,
		Key:          req.DstKey,
		Metadata:     req.Metadata,
		ACL:          req.ACL,
		CrossAccount: req.CrossAccount,
	}

	var putErr error
	err := Retry(ctx, j.logger, "stream copy", j.env.Config.retries(), j.env.Config.retryDelay(), func() error {
		putErr = nil
		j.env.Stats.CopyCount.Add(1)
		j.env.Stats.GetCount.Add(1)
		body, err := j.env.Src.GetObject(ctx, req.SrcBucket, req.SrcKey)
		if err != nil {
			return fmt.Errorf("failed to get source object: %w", err)
		}
		defer body.Close()

		putErr = j.env.Dst.PutObject(ctx, put, body)
		return putErr
	})
	if storage.IsNotFound(putErr) {
		j.env.fatal(fmt.Errorf("failed to access destination bucket, check bucket names: %w", putErr))
	}
	return err
}
