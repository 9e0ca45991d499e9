package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bucketsyncer/internal/storage"
)

// DefaultRetryDelay is the fixed pause between attempts of a remote call.
const DefaultRetryDelay = 10 * time.Millisecond

// Retry calls fn up to attempts times with a fixed delay in between. It
// returns immediately on success, on storage.ErrNotFound and when ctx is
// done.
func Retry(ctx context.Context, logger *zap.Logger, op string, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil || storage.IsNotFound(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		logger.Warn("Attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
