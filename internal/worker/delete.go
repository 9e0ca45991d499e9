package worker

import (
	"context"

	"go.uber.org/zap"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/storage"
)

// DeleteJob removes a destination object whose source counterpart no
// longer exists.
type DeleteJob struct {
	env    *Env
	rec    storage.ObjectRecord
	srcKey string
	logger *zap.Logger
}

// NewDeleteJob creates the job for a destination listing entry.
func NewDeleteJob(env *Env, rec storage.ObjectRecord) *DeleteJob {
	srcKey := env.Config.SourceKey(rec.Key)
	return &DeleteJob{
		env:    env,
		rec:    rec,
		srcKey: srcKey,
		logger: env.Logger.With(zap.String("key", rec.Key), zap.String("src_key", srcKey)),
	}
}

// Key returns the destination key.
func (j *DeleteJob) Key() string { return j.rec.Key }

// SourceKey returns the source key checked for existence.
func (j *DeleteJob) SourceKey() string { return j.srcKey }

// shouldDelete is true only when the source lookup reports NotFound.
func (j *DeleteJob) shouldDelete(ctx context.Context) bool {
	cfg := j.env.Config
	err := Retry(ctx, j.logger, "get metadata", cfg.retries(), cfg.retryDelay(), func() error {
		j.env.Stats.GetCount.Add(1)
		_, err := j.env.Src.GetMetadata(ctx, cfg.SrcBucket, j.srcKey)
		return err
	})
	switch {
	case err == nil:
		return false
	case storage.IsNotFound(err):
		j.logger.Debug("Object not found in source, will delete from destination")
		return true
	default:
		j.logger.Warn("Failed to get source metadata, not deleting", zap.Error(err))
		return false
	}
}

// Run implements Job.
func (j *DeleteJob) Run(ctx context.Context) {
	defer j.logger.Debug("Done with object")

	if !j.shouldDelete(ctx) {
		return
	}

	cfg := j.env.Config
	if cfg.DryRun {
		j.logger.Info("Would have deleted object from destination because it does not exist in source")
		return
	}

	err := Retry(ctx, j.logger, "delete", cfg.retries(), cfg.retryDelay(), func() error {
		j.env.Stats.DeleteCount.Add(1)
		return j.env.Dst.DeleteObject(ctx, cfg.DstBucket, j.rec.Key)
	})
	if err != nil && !storage.IsNotFound(err) {
		j.env.Stats.DeleteErrors.Add(1)
		j.env.Stats.AddErrorKey(j.rec.Key)
		j.journal(checkpoint.StatusFailed, err.Error())
		j.logger.Error("Failed to delete object", zap.Error(err))
		return
	}

	j.env.Stats.ObjectsDeleted.Add(1)
	j.journal(checkpoint.StatusDeleted, "")
	j.logger.Debug("Object deleted")
}

func (j *DeleteJob) journal(status checkpoint.Status, lastErr string) {
	j.env.record(checkpoint.Record{
		Bucket:    j.env.Config.DstBucket,
		Key:       j.rec.Key,
		Op:        checkpoint.OpDelete,
		Size:      j.rec.Size,
		ETag:      j.rec.ETag,
		Status:    status,
		LastError: lastErr,
	})
}
