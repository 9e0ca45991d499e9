package storage

import (
	"context"
	"fmt"
)

// Open creates the backend for kind.
func Open(ctx context.Context, kind Kind, cfg Config) (Backend, error) {
	switch kind {
	case KindS3:
		return NewS3Backend(ctx, cfg)
	case KindGCS:
		return NewGCSBackend(ctx, cfg)
	case KindMinIO:
		return NewMinIOBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", kind)
	}
}
