package progress

import (
	"sync"
	"time"
)

// Status is the throughput observed at one sample.
type Status struct {
	BytesCopied  int64
	Elapsed      time.Duration
	CurrentSpeed float64 // bytes/second over the sample window
	AverageSpeed float64 // bytes/second since start
}

// Tracker turns cumulative byte counts into current and average speeds.
type Tracker struct {
	mu         sync.Mutex
	start      time.Time
	samples    []speedSample
	maxSamples int
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a tracker that keeps the last maxSamples samples.
func NewTracker(start time.Time, maxSamples int) *Tracker {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &Tracker{
		start:      start,
		samples:    make([]speedSample, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// Observe records the cumulative byte count at now.
func (t *Tracker) Observe(now time.Time, bytes int64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, speedSample{timestamp: now, bytes: bytes})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	status := Status{BytesCopied: bytes, Elapsed: now.Sub(t.start)}
	if status.Elapsed > 0 {
		status.AverageSpeed = float64(bytes) / status.Elapsed.Seconds()
	}

	oldest := t.samples[0]
	if window := now.Sub(oldest.timestamp); len(t.samples) > 1 && window > 0 {
		status.CurrentSpeed = float64(bytes-oldest.bytes) / window.Seconds()
	}
	return status
}
