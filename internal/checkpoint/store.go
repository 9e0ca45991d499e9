package checkpoint

import (
	"time"
)

// Op is the direction of a journaled job.
type Op string

const (
	OpCopy   Op = "copy"
	OpDelete Op = "delete"
)

// Status is the outcome of a journaled job.
type Status string

const (
	StatusCopied  Status = "copied"
	StatusSkipped Status = "skipped"
	StatusDeleted Status = "deleted"
	StatusFailed  Status = "failed"
)

// Record is one per-key outcome. Bucket and Key identify the object the job
// was created for (the source object for copies, the destination object
// for deletes).
type Record struct {
	RunID     string    `json:"run_id"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Op        Op        `json:"op"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists job outcomes.
type Store interface {
	// RunID identifies the run stamped onto every record.
	RunID() string
	Record(rec *Record) error
	Get(bucket, key string, op Op) (*Record, error)
	ListFailed() ([]*Record, error)
	CountByStatus(runID string) (map[Status]int, error)

	Close() error
}
