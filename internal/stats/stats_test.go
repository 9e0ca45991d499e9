package stats

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCounters(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ObjectsCopied.Add(1)
			s.BytesCopied.Add(10)
			s.AddErrorKey("k" + string(rune('a'+i%5)))
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(50), snap.ObjectsCopied)
	assert.Equal(t, int64(500), snap.BytesCopied)
	assert.Equal(t, []string{"ka", "kb", "kc", "kd", "ke"}, snap.ErrorKeys)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00:00", FormatDuration(0))
	assert.Equal(t, "1:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
	assert.Equal(t, "26:00:00", FormatDuration(26*time.Hour))
}

func TestSnapshotString(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newAt(start)
	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	s.ObjectsRead.Add(10)
	s.ObjectsCopied.Add(4)
	s.BytesCopied.Add(6 << 30)
	s.AddErrorKey("bad/key")

	out := s.Snapshot().String()
	assert.Contains(t, out, "read: 10\n")
	assert.Contains(t, out, "copied: 4\n")
	assert.Contains(t, out, "duration: 0:02:00\n")
	assert.Contains(t, out, "read rate: 5.00/minute\n")
	assert.Contains(t, out, "copy rate: 2.00/minute\n")
	assert.Contains(t, out, "bytes copied: 6.0 GiB (6442450944 bytes)\n")
	assert.Contains(t, out, "Error Key List: [bad/key]\n")
}

func TestWriteReportAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "Report.txt")
	s := New()
	s.ObjectsCopied.Add(1)

	require.NoError(t, s.WriteReport(path, "src/a", "dst/b"))
	require.NoError(t, s.WriteReport(path, "src/a", "dst/b"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 2, strings.Count(content, "STATS BEGIN: src/a --> dst/b"))
	assert.Equal(t, 2, strings.Count(content, "STATS END"))
	assert.Contains(t, content, "copied: 1\n")
}
