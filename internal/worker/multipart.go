package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"bucketsyncer/internal/storage"
)

const abortTimeout = 30 * time.Second

// PartCount returns the number of parts needed to cover size bytes.
func PartCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// MultipartCopyJob copies a large object as a server-side multipart upload,
// one byte range per part.
type MultipartCopyJob struct {
	copyBase
	copier storage.MultipartCopier
}

// NewMultipartCopyJob implements Factory. It falls back to streaming when the
// destination backend has no server-side part copy or no usable part size
// is configured.
func NewMultipartCopyJob(env *Env, rec storage.ObjectRecord) Job {
	copier, ok := env.Dst.(storage.MultipartCopier)
	if !ok || env.Config.PartSize < 1 {
		return NewStreamCopyJob(env, rec)
	}
	return &MultipartCopyJob{copyBase: newCopyBase(env, rec), copier: copier}
}

// Run implements Job.
func (j *MultipartCopyJob) Run(ctx context.Context) {
	j.run(ctx, j.copy)
}

func (j *MultipartCopyJob) copy(ctx context.Context, req storage.CopyRequest) error {
	cfg := j.env.Config

	var uploadID string
	err := Retry(ctx, j.logger, "initiate multipart upload", cfg.retries(), cfg.retryDelay(), func() error {
		var err error
		uploadID, err = j.copier.NewMultipartUpload(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}
	logger := j.logger.With(zap.String("upload_id", uploadID))

	size := req.Metadata.Size
	parts := make([]storage.CompletedPart, 0, PartCount(size, cfg.PartSize))
	partNum := 1
	for pos := int64(0); pos < size; pos += cfg.PartSize {
		preq := storage.PartCopyRequest{
			SrcBucket:  req.SrcBucket,
			SrcKey:     req.SrcKey,
			DstBucket:  req.DstBucket,
			DstKey:     req.DstKey,
			UploadID:   uploadID,
			PartNumber: partNum,
			FirstByte:  pos,
			LastByte:   min(pos+cfg.PartSize-1, size-1),
		}

		var part storage.CompletedPart
		err := Retry(ctx, logger, "copy part", cfg.retries(), cfg.retryDelay(), func() error {
			j.env.Stats.CopyCount.Add(1)
			var err error
			part, err = j.copier.CopyPart(ctx, preq)
			return err
		})
		if err != nil {
			j.abort(ctx, logger, req, uploadID)
			return fmt.Errorf("failed to copy part %d: %w", partNum, err)
		}
		logger.Debug("Part copied",
			zap.Int("part", partNum),
			zap.Int64("first_byte", preq.FirstByte),
			zap.Int64("last_byte", preq.LastByte),
		)
		parts = append(parts, part)
		partNum++
	}

	// Providers reject completion with parts out of order.
	sort.Slice(parts, func(a, b int) bool { return parts[a].PartNumber < parts[b].PartNumber })

	err = Retry(ctx, logger, "complete multipart upload", cfg.retries(), cfg.retryDelay(), func() error {
		return j.copier.CompleteMultipartUpload(ctx, req.DstBucket, req.DstKey, uploadID, parts)
	})
	if err != nil {
		j.abort(ctx, logger, req, uploadID)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

func (j *MultipartCopyJob) abort(ctx context.Context, logger *zap.Logger, req storage.CopyRequest, uploadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := j.copier.AbortMultipartUpload(ctx, req.DstBucket, req.DstKey, uploadID); err != nil {
		logger.Error("Failed to abort multipart upload", zap.Error(err))
		return
	}
	logger.Info("Aborted multipart upload")
}
