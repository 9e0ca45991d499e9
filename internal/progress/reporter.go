package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"bucketsyncer/internal/stats"
)

// windowSamples is the number of ticks the current speed is averaged over.
const windowSamples = 6

// QueueStats is the pool state included in progress lines.
type QueueStats interface {
	Len() int
	Active() int
}

// Reporter logs a progress line at a fixed interval and a final one on
// Stop.
type Reporter struct {
	stats    *stats.Stats
	queue    QueueStats
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReporter creates a new progress reporter
func NewReporter(st *stats.Stats, queue QueueStats, interval time.Duration, logger *zap.Logger) *Reporter {
	return &Reporter{
		stats:    st,
		queue:    queue,
		tracker:  NewTracker(st.Snapshot().Start, windowSamples),
		interval: interval,
		logger:   logger.With(zap.String("component", "progress")),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the report loop. A non-positive interval disables periodic
// lines; the final line is still logged on Stop.
func (r *Reporter) Start() {
	go r.loop()
}

// Stop ends the loop and logs the final line.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			r.report("Mirror progress")
		case <-r.stopCh:
			r.report("Mirror finished")
			return
		}
	}
}

func (r *Reporter) report(msg string) {
	snap := r.stats.Snapshot()
	status := r.tracker.Observe(r.now(), snap.BytesCopied)

	r.logger.Info(msg,
		zap.Int64("objects_read", snap.ObjectsRead),
		zap.Int64("objects_copied", snap.ObjectsCopied),
		zap.Int64("copy_errors", snap.CopyErrors),
		zap.Int64("objects_deleted", snap.ObjectsDeleted),
		zap.Int64("delete_errors", snap.DeleteErrors),
		zap.String("bytes_copied", humanize.IBytes(uint64(snap.BytesCopied))),
		zap.String("current_speed", FormatSpeed(status.CurrentSpeed)),
		zap.String("average_speed", FormatSpeed(status.AverageSpeed)),
		zap.Int("queue_length", r.queue.Len()),
		zap.Int("active_workers", r.queue.Active()),
		zap.String("elapsed", stats.FormatDuration(status.Elapsed)),
	)
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}
