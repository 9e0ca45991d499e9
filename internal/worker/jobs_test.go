package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
	"bucketsyncer/internal/storage/memstore"
)

const gib = int64(1) << 30

var errTransient = errors.New("503 service unavailable")

func testEnv(t *testing.T, src, dst *memstore.Store) *Env {
	t.Helper()
	return &Env{
		Config: Config{
			SrcBucket:            "src",
			DstBucket:            "dst",
			MaxRetries:           3,
			RetryDelay:           time.Millisecond,
			PartSize:             4 * gib,
			MaxSingleRequestSize: 5 * gib,
		},
		Src:          src,
		Dst:          dst,
		Stats:        stats.New(),
		Logger:       zaptest.NewLogger(t),
		Routes:       DefaultRegistry(),
		SharedServer: true,
	}
}

// sharedStores returns one store used as both sides of a same-server copy.
func sharedStores() (*memstore.Store, *memstore.Store) {
	s := memstore.New(storage.KindS3)
	return s, s
}

func listed(t *testing.T, s *memstore.Store, bucket, key string) storage.ObjectRecord {
	t.Helper()
	md, _, ok := s.Stat(bucket, key)
	require.True(t, ok, "%s/%s", bucket, key)
	return md.ObjectRecord
}

func TestShouldTransfer(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *memstore.Store)
		want  bool
	}{
		{
			name:  "destination missing",
			setup: func(s *memstore.Store) {},
			want:  true,
		},
		{
			name:  "identical",
			setup: func(s *memstore.Store) { s.Put("dst", "k", []byte("0123456789")) },
			want:  false,
		},
		{
			name:  "size differs",
			setup: func(s *memstore.Store) { s.Put("dst", "k", []byte("012345678")) },
			want:  true,
		},
		{
			name:  "etag differs",
			setup: func(s *memstore.Store) { s.Put("dst", "k", []byte("abcdefghij")) },
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := sharedStores()
			src.Put("src", "k", []byte("0123456789"))
			tt.setup(dst)
			env := testEnv(t, src, dst)

			b := newCopyBase(env, listed(t, src, "src", "k"))
			got, err := b.shouldTransfer(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldTransferLargeComparesSizeOnly(t *testing.T) {
	src, dst := sharedStores()
	src.PutSynthetic("src", "big", 6*gib, "aaa-2")
	dst.PutSynthetic("dst", "big", 6*gib, "bbb-3")
	env := testEnv(t, src, dst)

	b := newCopyBase(env, listed(t, src, "src", "big"))
	got, err := b.shouldTransfer(context.Background())
	require.NoError(t, err)
	assert.False(t, got)

	dst.PutSynthetic("dst", "big", 7*gib, "aaa-2")
	got, err = b.shouldTransfer(context.Background())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestShouldTransferUncertainDestination(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("x"))
	dst.FailNext(memstore.OpGetMetadata, "k", 10, errTransient)
	env := testEnv(t, src, dst)

	job := env.CopyJob(listed(t, src, "src", "k"))
	job.Run(context.Background())

	assert.Zero(t, env.Stats.ObjectsCopied.Load())
	assert.Equal(t, int64(1), env.Stats.CopyErrors.Load())
	assert.Equal(t, []string{"k"}, env.Stats.ErrorKeys())
	assert.Zero(t, src.Calls(memstore.OpCopy))
}

func TestCutoffSkipsOldObjects(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "old", []byte("x"))
	src.SetModified("src", "old", time.Now().Add(-48*time.Hour))
	env := testEnv(t, src, dst)
	env.Config.Cutoff = time.Now().Add(-24 * time.Hour)

	env.CopyJob(listed(t, src, "src", "old")).Run(context.Background())

	assert.Zero(t, env.Stats.ObjectsCopied.Load())
	assert.Zero(t, dst.Calls(memstore.OpGetMetadata))
}

func TestCopyJobCopiesObject(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("0123456789"))
	env := testEnv(t, src, dst)

	job := env.CopyJob(listed(t, src, "src", "k"))
	require.IsType(t, &CopyJob{}, job)
	job.Run(context.Background())

	assert.Equal(t, int64(1), env.Stats.ObjectsCopied.Load())
	assert.Equal(t, int64(10), env.Stats.BytesCopied.Load())
	assert.Equal(t, int64(1), env.Stats.CopyCount.Load())
	data, ok := dst.Data("dst", "k")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))
}

func TestCopyJobRetriesTransientErrors(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("x"))
	src.FailNext(memstore.OpCopy, "k", 2, errTransient)
	env := testEnv(t, src, dst)

	env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

	assert.Equal(t, int64(1), env.Stats.ObjectsCopied.Load())
	assert.Equal(t, int64(3), env.Stats.CopyCount.Load())
}

func TestCopyJobExhaustsRetries(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("x"))
	src.FailNext(memstore.OpCopy, "k", 10, errTransient)
	env := testEnv(t, src, dst)

	env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

	assert.Zero(t, env.Stats.ObjectsCopied.Load())
	assert.Zero(t, env.Stats.BytesCopied.Load())
	assert.Equal(t, int64(1), env.Stats.CopyErrors.Load())
	assert.Equal(t, int64(3), env.Stats.CopyCount.Load())
	assert.Equal(t, []string{"k"}, env.Stats.ErrorKeys())
}

func TestCopyJobNotFoundIsFatal(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("x"))
	src.FailNext(memstore.OpCopy, "k", 1, fmt.Errorf("dst: %w", storage.ErrNotFound))
	env := testEnv(t, src, dst)
	var fatal error
	env.Fatal = func(err error) { fatal = err }

	env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

	require.Error(t, fatal)
	assert.True(t, storage.IsNotFound(fatal))
	assert.Equal(t, int64(1), env.Stats.CopyCount.Load())
}

func TestCopyJobDryRun(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "k", []byte("x"))
	env := testEnv(t, src, dst)
	env.Config.DryRun = true

	env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

	assert.Zero(t, src.Calls(memstore.OpCopy))
	assert.Zero(t, env.Stats.ObjectsCopied.Load())
	_, ok := dst.Data("dst", "k")
	assert.False(t, ok)
}

func TestCopyJobACLs(t *testing.T) {
	acl := storage.ACL{Kind: storage.KindS3, Owner: "o", Grants: []storage.Grant{{Grantee: `id="o"`, Permission: "FULL_CONTROL"}}}

	t.Run("replays source acl", func(t *testing.T) {
		src, dst := sharedStores()
		src.Put("src", "k", []byte("x"))
		src.SetACL("src", "k", acl)
		env := testEnv(t, src, dst)

		env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

		_, got, ok := dst.Stat("dst", "k")
		require.True(t, ok)
		assert.Equal(t, acl, got)
		assert.Equal(t, 1, src.Calls(memstore.OpGetACL))
	})

	t.Run("cross account", func(t *testing.T) {
		src, dst := sharedStores()
		src.Put("src", "k", []byte("x"))
		src.SetACL("src", "k", acl)
		env := testEnv(t, src, dst)
		env.Config.CrossAccount = true

		env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

		copies := src.Copies()
		require.Len(t, copies, 1)
		assert.True(t, copies[0].CrossAccount)
		assert.Zero(t, src.Calls(memstore.OpGetACL))
		_, got, _ := dst.Stat("dst", "k")
		assert.Equal(t, "bucket-owner", got.Grants[0].Grantee)
	})
}

func TestCopyJobDestinationPrefix(t *testing.T) {
	src, dst := sharedStores()
	src.Put("src", "logs/2024/a", []byte("x"))
	env := testEnv(t, src, dst)
	env.Config.SrcPrefix = "logs/"
	env.Config.DstPrefix = "archive/logs/"

	env.CopyJob(listed(t, src, "src", "logs/2024/a")).Run(context.Background())

	assert.Equal(t, []string{"archive/logs/2024/a"}, dst.Keys("dst"))
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 3, PartCount(10, 4))
	assert.Equal(t, 2, PartCount(8, 4))
	assert.Equal(t, 1, PartCount(1, 4))
	assert.Equal(t, 0, PartCount(0, 4))
	assert.Equal(t, 2, PartCount(6*gib, 4*gib))
}

func TestMultipartCopy(t *testing.T) {
	src, dst := sharedStores()
	src.PutSynthetic("src", "big", 6*gib, "e-1")
	env := testEnv(t, src, dst)

	job := env.CopyJob(listed(t, src, "src", "big"))
	require.IsType(t, &MultipartCopyJob{}, job)
	job.Run(context.Background())

	uploads := src.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, []memstore.Range{
		{PartNumber: 1, FirstByte: 0, LastByte: 4*gib - 1},
		{PartNumber: 2, FirstByte: 4 * gib, LastByte: 6*gib - 1},
	}, src.Parts(uploads[0]))
	assert.True(t, src.Completed(uploads[0]))
	assert.False(t, src.Aborted(uploads[0]))

	assert.Equal(t, int64(1), env.Stats.ObjectsCopied.Load())
	assert.Equal(t, 6*gib, env.Stats.BytesCopied.Load())
	md, _, ok := dst.Stat("dst", "big")
	require.True(t, ok)
	assert.Equal(t, 6*gib, md.Size)
}

func TestMultipartCopyUnevenParts(t *testing.T) {
	src, dst := sharedStores()
	src.PutSynthetic("src", "big", 10, "e-1")
	env := testEnv(t, src, dst)
	env.Config.MaxSingleRequestSize = 5
	env.Config.PartSize = 4

	env.CopyJob(listed(t, src, "src", "big")).Run(context.Background())

	uploads := src.Uploads()
	require.Len(t, uploads, 1)
	parts := src.Parts(uploads[0])
	require.Len(t, parts, 3)
	var next int64
	for i, p := range parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, next, p.FirstByte)
		next = p.LastByte + 1
	}
	assert.Equal(t, int64(9), parts[2].LastByte)
}

func TestMultipartCopyAbortsOnPartFailure(t *testing.T) {
	src, dst := sharedStores()
	src.PutSynthetic("src", "big", 6*gib, "e-1")
	env := testEnv(t, src, dst)
	// The first part succeeds, the second never does.
	calls := 0
	src.OnCall = func(op, key string) {
		if op == memstore.OpCopyPart {
			calls++
			if calls == 2 {
				src.FailNext(memstore.OpCopyPart, "big", 100, errTransient)
			}
		}
	}

	env.CopyJob(listed(t, src, "src", "big")).Run(context.Background())

	uploads := src.Uploads()
	require.Len(t, uploads, 1)
	assert.True(t, src.Aborted(uploads[0]))
	assert.Equal(t, 1, src.Calls(memstore.OpAbort))
	assert.Zero(t, src.Calls(memstore.OpComplete))
	assert.Equal(t, 1+3, src.Calls(memstore.OpCopyPart))

	assert.Zero(t, env.Stats.ObjectsCopied.Load())
	assert.Zero(t, env.Stats.BytesCopied.Load())
	assert.Equal(t, int64(1), env.Stats.CopyErrors.Load())
	assert.Equal(t, []string{"big"}, env.Stats.ErrorKeys())
	_, _, ok := dst.Stat("dst", "big")
	assert.False(t, ok)
}

// backendOnly hides the multipart methods of the wrapped backend.
type backendOnly struct {
	storage.Backend
}

func TestMultipartCopyFallsBackToStreaming(t *testing.T) {
	t.Run("destination without part copy", func(t *testing.T) {
		src, dst := sharedStores()
		src.PutSynthetic("src", "big", 10, "e-1")
		env := testEnv(t, src, dst)
		env.Dst = backendOnly{dst}
		env.Config.MaxSingleRequestSize = 5
		env.Config.PartSize = 4

		job := NewMultipartCopyJob(env, listed(t, src, "src", "big"))
		assert.IsType(t, &StreamCopyJob{}, job)
	})

	t.Run("no part size", func(t *testing.T) {
		src, dst := sharedStores()
		src.Put("src", "big", []byte("0123456789"))
		env := testEnv(t, src, dst)
		env.Config.MaxSingleRequestSize = 5
		env.Config.PartSize = 0

		job := env.CopyJob(listed(t, src, "src", "big"))
		require.IsType(t, &StreamCopyJob{}, job)
		job.Run(context.Background())

		assert.Empty(t, src.Uploads())
		md, _, ok := dst.Stat("dst", "big")
		require.True(t, ok)
		assert.Equal(t, int64(10), md.Size)
	})
}

func TestStreamCopyAcrossProviders(t *testing.T) {
	src := memstore.New(storage.KindS3)
	dst := memstore.New(storage.KindGCS)
	src.Put("src", "k", []byte("hello"))
	src.SetUserMetadata("src", "k", map[string]string{"owner": "team"})
	env := testEnv(t, src, dst)
	env.SharedServer = false

	job := env.CopyJob(listed(t, src, "src", "k"))
	require.IsType(t, &StreamCopyJob{}, job)
	job.Run(context.Background())

	data, ok := dst.Data("dst", "k")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	md, _, _ := dst.Stat("dst", "k")
	assert.Equal(t, "team", md.UserMetadata["owner"])
	assert.Equal(t, memstore.MD5([]byte("hello")), md.UserMetadata["Etag"])
	assert.Zero(t, src.Calls(memstore.OpGetACL))
	assert.Equal(t, int64(5), env.Stats.BytesCopied.Load())

	// A second pass sees the stored source etag and skips the object.
	env2 := testEnv(t, src, dst)
	env2.SharedServer = false
	env2.CopyJob(listed(t, src, "src", "k")).Run(context.Background())
	assert.Zero(t, env2.Stats.ObjectsCopied.Load())
	assert.Equal(t, 1, dst.Calls(memstore.OpPut))
}

func TestStreamCopyMissingDestinationBucketIsFatal(t *testing.T) {
	src := memstore.New(storage.KindS3)
	dst := memstore.New(storage.KindGCS)
	src.Put("src", "k", []byte("x"))
	dst.FailNext(memstore.OpPut, "k", 1, fmt.Errorf("dst: %w", storage.ErrNotFound))
	env := testEnv(t, src, dst)
	env.SharedServer = false
	var fatal error
	env.Fatal = func(err error) { fatal = err }

	env.CopyJob(listed(t, src, "src", "k")).Run(context.Background())

	assert.Error(t, fatal)
	assert.Equal(t, int64(1), env.Stats.CopyErrors.Load())
}

func TestDeleteJob(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(src *memstore.Store)
		wantDeleted bool
	}{
		{name: "source missing", setup: func(*memstore.Store) {}, wantDeleted: true},
		{name: "source present", setup: func(s *memstore.Store) { s.Put("src", "k", []byte("x")) }, wantDeleted: false},
		{name: "source lookup fails", setup: func(s *memstore.Store) {
			s.FailNext(memstore.OpGetMetadata, "k", 10, errTransient)
		}, wantDeleted: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := memstore.New(storage.KindS3)
			dst := memstore.New(storage.KindS3)
			dst.Put("dst", "k", []byte("x"))
			tt.setup(src)
			env := testEnv(t, src, dst)

			NewDeleteJob(env, listed(t, dst, "dst", "k")).Run(context.Background())

			_, _, exists := dst.Stat("dst", "k")
			assert.Equal(t, !tt.wantDeleted, exists)
			if tt.wantDeleted {
				assert.Equal(t, int64(1), env.Stats.ObjectsDeleted.Load())
			} else {
				assert.Zero(t, env.Stats.ObjectsDeleted.Load())
				assert.Zero(t, dst.Calls(memstore.OpDelete))
			}
		})
	}
}

func TestDeleteJobRetriesAndFails(t *testing.T) {
	src := memstore.New(storage.KindS3)
	dst := memstore.New(storage.KindS3)
	dst.Put("dst", "k", []byte("x"))
	dst.FailNext(memstore.OpDelete, "k", 10, errTransient)
	env := testEnv(t, src, dst)

	NewDeleteJob(env, listed(t, dst, "dst", "k")).Run(context.Background())

	assert.Equal(t, int64(3), env.Stats.DeleteCount.Load())
	assert.Equal(t, int64(1), env.Stats.DeleteErrors.Load())
	assert.Equal(t, []string{"k"}, env.Stats.ErrorKeys())
}

func TestDeleteJobKeyRemap(t *testing.T) {
	src := memstore.New(storage.KindS3)
	dst := memstore.New(storage.KindS3)
	src.Put("src", "a/kept", []byte("x"))
	dst.Put("dst", "b/kept", []byte("x"))
	dst.Put("dst", "b/gone", []byte("x"))
	env := testEnv(t, src, dst)
	env.Config.SrcPrefix = "a/"
	env.Config.DstPrefix = "b/"

	for _, key := range []string{"b/kept", "b/gone"} {
		job := NewDeleteJob(env, listed(t, dst, "dst", key))
		job.Run(context.Background())
	}

	assert.Equal(t, []string{"b/kept"}, dst.Keys("dst"))
	assert.Equal(t, int64(1), env.Stats.ObjectsDeleted.Load())
}

func TestDeleteJobDryRun(t *testing.T) {
	src := memstore.New(storage.KindS3)
	dst := memstore.New(storage.KindS3)
	dst.Put("dst", "k", []byte("x"))
	env := testEnv(t, src, dst)
	env.Config.DryRun = true

	NewDeleteJob(env, listed(t, dst, "dst", "k")).Run(context.Background())

	assert.Zero(t, dst.Calls(memstore.OpDelete))
	assert.Equal(t, []string{"k"}, dst.Keys("dst"))
}

func TestKeyMapping(t *testing.T) {
	cfg := Config{SrcPrefix: "src/"}
	assert.Equal(t, "src/a", cfg.DestKey("src/a"))
	assert.Equal(t, "src/a", cfg.SourceKey("src/a"))
	assert.Equal(t, "src/", cfg.DeleteListPrefix())

	cfg.DstPrefix = "dst/"
	assert.Equal(t, "dst/a", cfg.DestKey("src/a"))
	assert.Equal(t, "src/a", cfg.SourceKey("dst/a"))
	assert.Equal(t, "dst/", cfg.DeleteListPrefix())
	assert.Equal(t, "src/x/y", cfg.SourceKey(cfg.DestKey("src/x/y")))
}

func TestJobsJournalOutcomes(t *testing.T) {
	journal, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	src, dst := sharedStores()
	src.Put("src", "ok", []byte("x"))
	src.Put("src", "bad", []byte("y"))
	src.FailNext(memstore.OpCopy, "bad", 10, errTransient)
	env := testEnv(t, src, dst)
	env.Journal = journal

	env.CopyJob(listed(t, src, "src", "ok")).Run(context.Background())
	env.CopyJob(listed(t, src, "src", "bad")).Run(context.Background())

	rec, err := journal.Get("src", "ok", checkpoint.OpCopy)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusCopied, rec.Status)

	failed, err := journal.ListFailed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Key)
	assert.Contains(t, failed[0].LastError, "503")
}
