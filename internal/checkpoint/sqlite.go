package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("journal is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	runID   string
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the journal at dbPath and starts a new
// run id.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, runID: uuid.NewString()}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS outcomes (
		run_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		op TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key, op)
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status);
	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// RunID implements Store.
func (s *SQLiteStore) RunID() string { return s.runID }

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Record upserts rec, stamping the run id and update time.
func (s *SQLiteStore) Record(rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec.RunID = s.runID
	rec.UpdatedAt = time.Now()

	// Serialize writes to avoid SQLITE_BUSY from concurrent workers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO outcomes
		(run_id, bucket, key, op, size, etag, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key, op) DO UPDATE SET
			run_id = excluded.run_id,
			size = excluded.size,
			etag = excluded.etag,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		`,
			rec.RunID,
			rec.Bucket,
			rec.Key,
			string(rec.Op),
			rec.Size,
			rec.ETag,
			string(rec.Status),
			rec.LastError,
			rec.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert outcome: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = operation(); err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

const selectColumns = `SELECT run_id, bucket, key, op, size, etag, status, last_error, updated_at FROM outcomes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		op        string
		status    string
		lastError sql.NullString
		updated   int64
	)
	if err := row.Scan(&rec.RunID, &rec.Bucket, &rec.Key, &op, &rec.Size, &rec.ETag, &status, &lastError, &updated); err != nil {
		return nil, err
	}
	rec.Op = Op(op)
	rec.Status = Status(status)
	rec.LastError = lastError.String
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

// Get returns the record for (bucket, key, op), or nil when none exists.
func (s *SQLiteStore) Get(bucket, key string, op Op) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRow(selectColumns+` WHERE bucket = ? AND key = ? AND op = ?`, bucket, key, string(op)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListFailed returns every failed outcome, oldest first.
func (s *SQLiteStore) ListFailed() ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(selectColumns+` WHERE status = ? ORDER BY updated_at ASC, key ASC`, string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus tallies the outcomes recorded by a run.
func (s *SQLiteStore) CountByStatus(runID string) (map[Status]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM outcomes WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
