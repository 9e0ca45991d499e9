// Package stats holds the process-wide mirror counters and renders them
// for logs and the report file.
package stats

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultReportPath is where the report is appended when no path is given.
const DefaultReportPath = "Report.txt"

const banner = "\n--------------------------------------------------------------------\n"

// Stats is written concurrently by listers and jobs. Counters only grow.
type Stats struct {
	ObjectsRead    atomic.Int64
	ObjectsCopied  atomic.Int64
	CopyErrors     atomic.Int64
	ObjectsDeleted atomic.Int64
	DeleteErrors   atomic.Int64
	CopyCount      atomic.Int64
	DeleteCount    atomic.Int64
	GetCount       atomic.Int64
	BytesCopied    atomic.Int64

	errorKeys *xsync.MapOf[string, struct{}]
	start     time.Time
	now       func() time.Time
}

// New creates Stats starting now.
func New() *Stats {
	return newAt(time.Now())
}

func newAt(start time.Time) *Stats {
	return &Stats{
		errorKeys: xsync.NewMapOf[string, struct{}](),
		start:     start,
		now:       time.Now,
	}
}

// AddErrorKey records a key whose processing failed.
func (s *Stats) AddErrorKey(key string) {
	s.errorKeys.Store(key, struct{}{})
}

// ErrorKeys returns the failed keys in sorted order.
func (s *Stats) ErrorKeys() []string {
	keys := make([]string, 0, s.errorKeys.Size())
	s.errorKeys.Range(func(k string, _ struct{}) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Start          time.Time
	Taken          time.Time
	ObjectsRead    int64
	ObjectsCopied  int64
	CopyErrors     int64
	ObjectsDeleted int64
	DeleteErrors   int64
	CopyCount      int64
	DeleteCount    int64
	GetCount       int64
	BytesCopied    int64
	ErrorKeys      []string
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Start:          s.start,
		Taken:          s.now(),
		ObjectsRead:    s.ObjectsRead.Load(),
		ObjectsCopied:  s.ObjectsCopied.Load(),
		CopyErrors:     s.CopyErrors.Load(),
		ObjectsDeleted: s.ObjectsDeleted.Load(),
		DeleteErrors:   s.DeleteErrors.Load(),
		CopyCount:      s.CopyCount.Load(),
		DeleteCount:    s.DeleteCount.Load(),
		GetCount:       s.GetCount.Load(),
		BytesCopied:    s.BytesCopied.Load(),
		ErrorKeys:      s.ErrorKeys(),
	}
}

// Duration is the elapsed run time at the snapshot.
func (s Snapshot) Duration() time.Duration {
	return s.Taken.Sub(s.Start)
}

// PerMinute returns n divided by the elapsed minutes.
func (s Snapshot) PerMinute(n int64) float64 {
	minutes := s.Duration().Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(n) / minutes
}

// FormatDuration renders d as h:mm:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(math.Floor(d.Seconds()))
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

func formatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d bytes", n)
	}
	return fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(n)), n)
}

// String renders the snapshot one counter per line.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Started at: %s\n", s.Start.Format(time.RFC1123))
	fmt.Fprintf(&b, "read: %d\n", s.ObjectsRead)
	fmt.Fprintf(&b, "copied: %d\n", s.ObjectsCopied)
	fmt.Fprintf(&b, "copy errors: %d\n", s.CopyErrors)
	fmt.Fprintf(&b, "deleted: %d\n", s.ObjectsDeleted)
	fmt.Fprintf(&b, "delete errors: %d\n", s.DeleteErrors)
	fmt.Fprintf(&b, "duration: %s\n", FormatDuration(s.Duration()))
	fmt.Fprintf(&b, "read rate: %.2f/minute\n", s.PerMinute(s.ObjectsRead))
	fmt.Fprintf(&b, "copy rate: %.2f/minute\n", s.PerMinute(s.ObjectsCopied))
	fmt.Fprintf(&b, "delete rate: %.2f/minute\n", s.PerMinute(s.ObjectsDeleted))
	fmt.Fprintf(&b, "bytes copied: %s\n", formatBytes(s.BytesCopied))
	fmt.Fprintf(&b, "GET operations: %d\n", s.GetCount)
	fmt.Fprintf(&b, "COPY operations: %d\n", s.CopyCount)
	fmt.Fprintf(&b, "DELETE operations: %d\n", s.DeleteCount)
	fmt.Fprintf(&b, "Error Key List: [%s]\n", strings.Join(s.ErrorKeys, ", "))
	fmt.Fprintf(&b, "Ended at: %s\n", s.Taken.Format(time.RFC1123))
	return b.String()
}

// Report brackets the snapshot with the source and destination banner.
func (s Snapshot) Report(source, destination string) string {
	return fmt.Sprintf("%s STATS BEGIN: %s --> %s\n %s STATS END %s", banner, source, destination, s.String(), banner)
}

// WriteReport appends the current report to path, creating it and its
// parent directories when needed.
func (s *Stats) WriteReport(path, source, destination string) error {
	if path == "" {
		path = DefaultReportPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(s.Snapshot().Report(source, destination) + "\n"); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
