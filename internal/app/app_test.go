package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/config"
	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
	"bucketsyncer/internal/storage/memstore"
	"bucketsyncer/internal/worker"
)

const gib = int64(1) << 30

func testOptions(t *testing.T) config.Options {
	t.Helper()
	return config.Options{
		SrcStore:             storage.KindS3,
		DestStore:            storage.KindS3,
		SourceBucket:         "src",
		DestBucket:           "dst",
		MaxThreads:           4,
		MaxRetries:           3,
		PartSize:             4 * gib,
		MaxSingleRequestSize: 5 * gib,
		Start:                time.Now(),
		Report:               filepath.Join(t.TempDir(), "Report.txt"),
	}
}

// sharedStore returns one S3 store holding both buckets.
func sharedStore() *memstore.Store {
	s := memstore.New(storage.KindS3)
	s.CreateBucket("src")
	s.CreateBucket("dst")
	return s
}

func runMirror(t *testing.T, opts config.Options, src, dst storage.Backend) (*Mirror, error) {
	t.Helper()
	m := NewWithBackends(opts, src, dst, zaptest.NewLogger(t))
	err := m.Run(context.Background())
	require.NoError(t, m.Close())
	return m, err
}

func TestMirrorCopiesNewObject(t *testing.T) {
	s := sharedStore()
	s.Put("src", "a.txt", []byte("0123456789"))
	opts := testOptions(t)

	m, err := runMirror(t, opts, s, s)
	require.NoError(t, err)

	snap := m.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.ObjectsRead)
	assert.Equal(t, int64(1), snap.ObjectsCopied)
	assert.Equal(t, int64(10), snap.BytesCopied)
	assert.Zero(t, snap.CopyErrors)

	data, ok := s.Data("dst", "a.txt")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))
	require.Len(t, s.Copies(), 1)

	report, err := os.ReadFile(opts.Report)
	require.NoError(t, err)
	assert.Contains(t, string(report), "STATS BEGIN: S3:src --> S3:dst")
	assert.Contains(t, string(report), "STATS END")
}

func TestMirrorSkipsIdenticalObjects(t *testing.T) {
	s := sharedStore()
	for i := 0; i < 3; i++ {
		data := []byte(fmt.Sprintf("object-%d", i))
		s.Put("src", fmt.Sprintf("k%d", i), data)
		s.Put("dst", fmt.Sprintf("k%d", i), data)
	}

	m, err := runMirror(t, testOptions(t), s, s)
	require.NoError(t, err)

	snap := m.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.ObjectsRead)
	assert.Zero(t, snap.ObjectsCopied)
	assert.Empty(t, s.Copies())
}

func TestMirrorDeletesRemovedObjects(t *testing.T) {
	s := sharedStore()
	s.Put("src", "keep", []byte("keep"))
	s.Put("dst", "keep", []byte("keep"))
	for _, k := range []string{"gone-1", "gone-2", "gone-3"} {
		s.Put("dst", k, []byte(k))
	}
	opts := testOptions(t)
	opts.DeleteRemoved = true

	m, err := runMirror(t, opts, s, s)
	require.NoError(t, err)

	assert.Equal(t, int64(3), m.Stats().ObjectsDeleted.Load())
	assert.Equal(t, []string{"keep"}, s.Keys("dst"))
	assert.Equal(t, []string{"keep"}, s.Keys("src"))
}

func TestMirrorDeleteWithDestPrefix(t *testing.T) {
	s := sharedStore()
	s.Put("src", "photos/a", []byte("a"))
	s.Put("dst", "backup/a", []byte("a"))
	s.Put("dst", "backup/b", []byte("b"))
	s.Put("dst", "elsewhere/c", []byte("c"))
	opts := testOptions(t)
	opts.SourcePrefix = "photos/"
	opts.DestPrefix = "backup/"
	opts.DeleteRemoved = true

	m, err := runMirror(t, opts, s, s)
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.Stats().ObjectsDeleted.Load())
	assert.Equal(t, []string{"backup/a", "elsewhere/c"}, s.Keys("dst"))
}

func TestMirrorLargeObjectMultipart(t *testing.T) {
	s := sharedStore()
	s.PutSynthetic("src", "big.bin", 6*gib, "abc-1")

	m, err := runMirror(t, testOptions(t), s, s)
	require.NoError(t, err)

	uploads := s.Uploads()
	require.Len(t, uploads, 1)
	parts := s.Parts(uploads[0])
	require.Len(t, parts, 2)
	assert.Equal(t, memstore.Range{PartNumber: 1, FirstByte: 0, LastByte: 4*gib - 1}, parts[0])
	assert.Equal(t, memstore.Range{PartNumber: 2, FirstByte: 4 * gib, LastByte: 6*gib - 1}, parts[1])
	assert.True(t, s.Completed(uploads[0]))
	assert.Equal(t, int64(6*gib), m.Stats().BytesCopied.Load())

	// Same size on the second pass: nothing to do.
	m, err = runMirror(t, testOptions(t), s, s)
	require.NoError(t, err)
	assert.Zero(t, m.Stats().ObjectsCopied.Load())
	assert.Len(t, s.Uploads(), 1)
}

func TestMirrorStreamsAcrossProviders(t *testing.T) {
	src := memstore.New(storage.KindS3)
	src.Put("src", "doc", []byte("payload"))
	dst := memstore.New(storage.KindGCS)
	dst.CreateBucket("dst")
	opts := testOptions(t)
	opts.DestStore = storage.KindGCS

	m, err := runMirror(t, opts, src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Stats().ObjectsCopied.Load())

	data, ok := dst.Data("dst", "doc")
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))
	assert.Empty(t, src.Copies())

	// The stored source etag makes the next run a no-op.
	m, err = runMirror(t, opts, src, dst)
	require.NoError(t, err)
	assert.Zero(t, m.Stats().ObjectsCopied.Load())
}

func TestMirrorDryRun(t *testing.T) {
	s := sharedStore()
	s.Put("src", "new", []byte("new"))
	s.Put("dst", "old", []byte("old"))
	opts := testOptions(t)
	opts.DryRun = true
	opts.DeleteRemoved = true

	m, err := runMirror(t, opts, s, s)
	require.NoError(t, err)

	assert.Zero(t, m.Stats().ObjectsCopied.Load())
	assert.Zero(t, m.Stats().ObjectsDeleted.Load())
	assert.Equal(t, []string{"old"}, s.Keys("dst"))
	assert.Zero(t, s.Calls(memstore.OpCopy))
	assert.Zero(t, s.Calls(memstore.OpDelete))
}

func TestMirrorCopyErrorsAreNotFatal(t *testing.T) {
	s := sharedStore()
	s.Put("src", "bad", []byte("bad"))
	s.Put("src", "good", []byte("good"))
	s.FailNext(memstore.OpCopy, "bad", 100, errTransient)

	m, err := runMirror(t, testOptions(t), s, s)
	require.NoError(t, err)

	snap := m.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.ObjectsCopied)
	assert.Equal(t, int64(1), snap.CopyErrors)
	assert.Equal(t, []string{"bad"}, snap.ErrorKeys)
}

func TestMirrorJournal(t *testing.T) {
	s := sharedStore()
	s.Put("src", "a", []byte("a"))
	s.Put("src", "b", []byte("b"))
	s.Put("dst", "b", []byte("b"))

	journal, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	m := NewWithBackends(testOptions(t), s, s, zaptest.NewLogger(t))
	m.SetJournal(journal)
	require.NoError(t, m.Run(context.Background()))

	counts, err := journal.CountByStatus(journal.RunID())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[checkpoint.StatusCopied])
	assert.Equal(t, 1, counts[checkpoint.StatusSkipped])
	require.NoError(t, m.Close())
}

func TestMirrorFatalOnUnauthorizedListing(t *testing.T) {
	s := sharedStore()
	s.Put("src", "a", []byte("a"))
	s.FailNext(memstore.OpList, "src", 100, fmt.Errorf("access denied: %w", storage.ErrNotAuthorized))
	opts := testOptions(t)

	m, err := runMirror(t, opts, s, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.True(t, storage.IsNotAuthorized(err))
	assert.Zero(t, m.Stats().ObjectsCopied.Load())

	// The report is still written.
	_, statErr := os.Stat(opts.Report)
	assert.NoError(t, statErr)
}

func TestMirrorFatalOnMissingDestinationBucket(t *testing.T) {
	src := memstore.New(storage.KindS3)
	src.CreateBucket("src")
	opts := testOptions(t)
	opts.DeleteRemoved = true

	_, err := runMirror(t, opts, src, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.True(t, storage.IsNotFound(err))
}

func TestMirrorFatalOnCopyNotFound(t *testing.T) {
	s := sharedStore()
	for i := 0; i < 20; i++ {
		s.Put("src", fmt.Sprintf("k%02d", i), []byte("x"))
	}
	s.FailNext(memstore.OpCopy, "k05", 1, fmt.Errorf("no such bucket: %w", storage.ErrNotFound))

	_, err := runMirror(t, testOptions(t), s, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.True(t, storage.IsNotFound(err))
}

func TestMirrorCancelled(t *testing.T) {
	s := sharedStore()
	for i := 0; i < 50; i++ {
		s.Put("src", fmt.Sprintf("k%02d", i), []byte("x"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewWithBackends(testOptions(t), s, s, zaptest.NewLogger(t))
	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrFatal)
}

func TestEngineRespectsQueueBound(t *testing.T) {
	s := sharedStore()
	const n = 200
	for i := 0; i < n; i++ {
		s.Put("src", fmt.Sprintf("k%03d", i), []byte("x"))
	}

	pool := worker.NewPool(2, zaptest.NewLogger(t))
	var maxLen atomic.Int64
	s.OnCall = func(op, _ string) {
		if l := int64(pool.Len()); l > maxLen.Load() {
			maxLen.Store(l)
		}
		if op == memstore.OpCopy {
			time.Sleep(100 * time.Microsecond)
		}
	}

	opts := testOptions(t)
	env := &worker.Env{
		Config:       WorkerConfig(opts),
		Src:          s,
		Dst:          s,
		Stats:        stats.New(),
		Logger:       zaptest.NewLogger(t),
		SharedServer: true,
	}
	engine := NewEngine(env, pool, false)
	require.NoError(t, engine.Run(context.Background()))

	assert.LessOrEqual(t, maxLen.Load(), int64(pool.Cap()))
	assert.Equal(t, 20, pool.Cap())
	assert.Equal(t, int64(n), env.Stats.ObjectsCopied.Load())
	require.Len(t, engine.Masters(), 1)
	assert.Equal(t, int64(n), engine.Masters()[0].Submitted())
	assert.Equal(t, StateDone, engine.Masters()[0].State())
	assert.Zero(t, pool.Pending())
}

func TestMasterStopBeforeStart(t *testing.T) {
	s := sharedStore()
	opts := testOptions(t)
	env := &worker.Env{
		Config: WorkerConfig(opts),
		Src:    s,
		Dst:    s,
		Stats:  stats.New(),
		Logger: zaptest.NewLogger(t),
	}
	m := NewDeleteMaster(env, worker.NewPool(1, env.Logger))
	m.Stop()
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.IsDone())
	assert.Equal(t, "delete", m.Name())
}

// stallingStore blocks the nth listing call until release is closed.
func stallingStore(t *testing.T, nth int32) (s *memstore.Store, entered <-chan struct{}, release chan struct{}) {
	t.Helper()
	s = sharedStore()
	fill(s, "dst", 3)

	in := make(chan struct{})
	release = make(chan struct{})
	var calls atomic.Int32
	s.OnCall = func(op, _ string) {
		if op == memstore.OpList && calls.Add(1) == nth {
			close(in)
			<-release
		}
	}
	return s, in, release
}

func stopTestMaster(t *testing.T, s *memstore.Store) *Master {
	t.Helper()
	opts := testOptions(t)
	env := &worker.Env{
		Config: WorkerConfig(opts),
		Src:    s,
		Dst:    s,
		Stats:  stats.New(),
		Logger: zaptest.NewLogger(t),
	}
	return NewDeleteMaster(env, worker.NewPool(1, env.Logger))
}

func TestMasterStopWaitsForLoop(t *testing.T) {
	// The first page is listed, the second stalls in the lister goroutine
	// while the master loop polls for more entries.
	s, entered, release := stallingStore(t, 2)
	defer close(release)

	m := stopTestMaster(t, s)
	m.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second page was never requested")
	}
	assert.Equal(t, StateListing, m.State())
	require.Eventually(t, func() bool { return m.Submitted() == 1 }, 5*time.Second, time.Millisecond)

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), DefaultStopTimeout)
	assert.True(t, m.IsDone())
	assert.Equal(t, StateDone, m.State())
	assert.NoError(t, m.Err())
}

func TestMasterStopGivesUpAfterTimeout(t *testing.T) {
	// The first page stalls inside the master loop itself.
	s, entered, release := stallingStore(t, 1)

	m := stopTestMaster(t, s)
	m.StopTimeout = 50 * time.Millisecond
	m.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first page was never requested")
	}

	start := time.Now()
	m.Stop()
	assert.GreaterOrEqual(t, time.Since(start), m.StopTimeout)
	assert.Less(t, time.Since(start), DefaultStopTimeout)
	assert.False(t, m.IsDone())

	close(release)
	assert.Eventually(t, m.IsDone, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDone, m.State())
}
