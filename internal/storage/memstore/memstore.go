// Package memstore provides an in-memory storage.Backend with fault
// injection and call recording. It is used by tests of the mirror engine.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"bucketsyncer/internal/storage"
)

// Operation names used by FailNext and Calls.
const (
	OpList            = "ListPage"
	OpGetMetadata     = "GetMetadata"
	OpGetACL          = "GetACL"
	OpCopy            = "CopyObject"
	OpDelete          = "DeleteObject"
	OpGet             = "GetObject"
	OpPut             = "PutObject"
	OpCreateMultipart = "NewMultipartUpload"
	OpCopyPart        = "CopyPart"
	OpComplete        = "CompleteMultipartUpload"
	OpAbort           = "AbortMultipartUpload"
)

// Range is an inclusive byte range copied into a multipart upload.
type Range struct {
	PartNumber int
	FirstByte  int64
	LastByte   int64
}

type object struct {
	data     []byte
	size     int64
	etag     string
	modified time.Time
	meta     storage.Metadata
	acl      storage.ACL
}

type upload struct {
	bucket, key string
	req         storage.CopyRequest
	ranges      map[int]Range
	done        bool
	aborted     bool
}

type fault struct {
	op, key   string
	remaining int
	err       error
}

// Store is an in-memory multi-bucket store.
type Store struct {
	// OnCall, if set, is invoked at the start of every operation outside
	// the store lock. Tests use it to stall or observe workers.
	OnCall func(op, key string)

	mu      sync.Mutex
	kind    storage.Kind
	now     func() time.Time
	buckets map[string]map[string]*object
	uploads map[string]*upload
	order   []string
	faults  []*fault
	calls   map[string]int
	copies  []storage.CopyRequest
	nextID  int
}

var (
	_ storage.Backend         = (*Store)(nil)
	_ storage.MultipartCopier = (*Store)(nil)
)

// New creates an empty store reporting the given kind.
func New(kind storage.Kind) *Store {
	return &Store{
		kind:    kind,
		now:     time.Now,
		buckets: make(map[string]map[string]*object),
		uploads: make(map[string]*upload),
		calls:   make(map[string]int),
	}
}

// MD5 returns the hex md5 etag of data.
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) bucket(name string) map[string]*object {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string]*object)
		s.buckets[name] = b
	}
	return b
}

// CreateBucket makes an empty bucket. Listing a missing bucket fails with
// storage.ErrNotFound.
func (s *Store) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(name)
}

// Put stores data under bucket/key with an md5 etag.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[key] = &object{
		data:     append([]byte(nil), data...),
		size:     int64(len(data)),
		etag:     MD5(data),
		modified: s.now(),
		meta:     storage.Metadata{ContentType: "application/octet-stream"},
	}
}

// PutSynthetic records an object of the given size without holding its bytes.
func (s *Store) PutSynthetic(bucket, key string, size int64, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[key] = &object{size: size, etag: etag, modified: s.now()}
}

// SetModified overrides the last-modified time of an object.
func (s *Store) SetModified(bucket, key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.bucket(bucket)[key]; ok {
		o.modified = t
	}
}

// SetACL sets the ACL returned for an object.
func (s *Store) SetACL(bucket, key string, acl storage.ACL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.bucket(bucket)[key]; ok {
		o.acl = acl
	}
}

// SetUserMetadata sets user metadata on an object.
func (s *Store) SetUserMetadata(bucket, key string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.bucket(bucket)[key]; ok {
		o.meta.UserMetadata = meta
	}
}

// Keys returns the sorted keys of a bucket.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stat returns the metadata and ACL of an object.
func (s *Store) Stat(bucket, key string) (storage.Metadata, storage.ACL, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return storage.Metadata{}, storage.ACL{}, false
	}
	return s.metadata(key, o), o.acl, true
}

// Data returns the bytes of an object.
func (s *Store) Data(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// FailNext makes the next n calls of op fail with err. An empty key matches
// any key; otherwise the key is the object key the operation acts on (the
// bucket name for ListPage, the source key for copies).
func (s *Store) FailNext(op, key string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{op: op, key: key, remaining: n, err: err})
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Copies returns the server-side copy requests received, in order.
func (s *Store) Copies() []storage.CopyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.CopyRequest(nil), s.copies...)
}

// Uploads returns the ids of multipart uploads in creation order.
func (s *Store) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Parts returns the ranges copied into an upload, ordered by part number.
func (s *Store) Parts(uploadID string) []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil
	}
	out := make([]Range, 0, len(u.ranges))
	for _, r := range u.ranges {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

// Aborted reports whether an upload was aborted.
func (s *Store) Aborted(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	return ok && u.aborted
}

// Completed reports whether an upload was completed.
func (s *Store) Completed(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	return ok && u.done
}

func (s *Store) enter(op, key string) error {
	if s.OnCall != nil {
		s.OnCall(op, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	for _, f := range s.faults {
		if f.op == op && f.remaining > 0 && (f.key == "" || f.key == key) {
			f.remaining--
			return f.err
		}
	}
	return nil
}

func notFound(bucket, key string) error {
	return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
}

func (s *Store) etag(o *object) string {
	if s.kind == storage.KindGCS {
		if v := o.meta.UserMetadata["Etag"]; v != "" {
			return v
		}
	}
	return o.etag
}

func (s *Store) metadata(key string, o *object) storage.Metadata {
	m := o.meta
	m.ObjectRecord = storage.ObjectRecord{Key: key, Size: o.size, LastModified: o.modified, ETag: s.etag(o)}
	m.UserMetadata = copyMap(o.meta.UserMetadata)
	return m
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Kind implements storage.Backend.
func (s *Store) Kind() storage.Kind { return s.kind }

// ListPage implements storage.Backend. The token is the last key returned.
func (s *Store) ListPage(_ context.Context, bucket, prefix, token string, pageSize int) (storage.Page, error) {
	if err := s.enter(OpList, bucket); err != nil {
		return storage.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return storage.Page{}, fmt.Errorf("bucket %s: %w", bucket, storage.ErrNotFound)
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var page storage.Page
	for i, k := range keys {
		if i == pageSize {
			page.NextToken = keys[i-1]
			break
		}
		o := b[k]
		page.Records = append(page.Records, storage.ObjectRecord{
			Key: k, Size: o.size, LastModified: o.modified, ETag: s.etag(o),
		})
	}
	return page, nil
}

// GetMetadata implements storage.Backend.
func (s *Store) GetMetadata(_ context.Context, bucket, key string) (storage.Metadata, error) {
	if err := s.enter(OpGetMetadata, key); err != nil {
		return storage.Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return storage.Metadata{}, notFound(bucket, key)
	}
	return s.metadata(key, o), nil
}

// GetACL implements storage.Backend.
func (s *Store) GetACL(_ context.Context, bucket, key string) (storage.ACL, error) {
	if err := s.enter(OpGetACL, key); err != nil {
		return storage.ACL{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return storage.ACL{}, notFound(bucket, key)
	}
	acl := o.acl
	if acl.Kind == "" {
		acl.Kind = s.kind
	}
	return acl, nil
}

func (s *Store) resolveACL(acl storage.ACL, crossAccount bool) storage.ACL {
	if crossAccount {
		return storage.ACL{Kind: s.kind, Grants: []storage.Grant{{Grantee: "bucket-owner", Permission: "FULL_CONTROL"}}}
	}
	if acl.Kind != s.kind {
		return storage.ACL{Kind: s.kind}
	}
	return acl
}

// CopyObject implements storage.Backend.
func (s *Store) CopyObject(_ context.Context, req storage.CopyRequest) error {
	if err := s.enter(OpCopy, req.SrcKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.buckets[req.SrcBucket][req.SrcKey]
	if !ok {
		return notFound(req.SrcBucket, req.SrcKey)
	}
	meta := req.Metadata
	meta.UserMetadata = copyMap(req.Metadata.UserMetadata)
	s.bucket(req.DstBucket)[req.DstKey] = &object{
		data:     src.data,
		size:     src.size,
		etag:     src.etag,
		modified: s.now(),
		meta:     meta,
		acl:      s.resolveACL(req.ACL, req.CrossAccount),
	}
	s.copies = append(s.copies, req)
	return nil
}

// DeleteObject implements storage.Backend.
func (s *Store) DeleteObject(_ context.Context, bucket, key string) error {
	if err := s.enter(OpDelete, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(bucket), key)
	return nil
}

// GetObject implements storage.Backend.
func (s *Store) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := s.enter(OpGet, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, notFound(bucket, key)
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

// PutObject implements storage.Backend. The source etag is kept in the
// "Etag" user metadata entry.
func (s *Store) PutObject(_ context.Context, req storage.PutRequest, body io.Reader) error {
	if err := s.enter(OpPut, req.Key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := req.Metadata
	meta.UserMetadata = copyMap(req.Metadata.UserMetadata)
	if meta.UserMetadata == nil {
		meta.UserMetadata = make(map[string]string)
	}
	meta.UserMetadata["Etag"] = req.Metadata.ETag
	s.bucket(req.Bucket)[req.Key] = &object{
		data:     data,
		size:     int64(len(data)),
		etag:     MD5(data),
		modified: s.now(),
		meta:     meta,
		acl:      s.resolveACL(req.ACL, req.CrossAccount),
	}
	return nil
}

// NewMultipartUpload implements storage.MultipartCopier.
func (s *Store) NewMultipartUpload(_ context.Context, req storage.CopyRequest) (string, error) {
	if err := s.enter(OpCreateMultipart, req.SrcKey); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &upload{bucket: req.DstBucket, key: req.DstKey, req: req, ranges: make(map[int]Range)}
	s.order = append(s.order, id)
	return id, nil
}

// CopyPart implements storage.MultipartCopier.
func (s *Store) CopyPart(_ context.Context, req storage.PartCopyRequest) (storage.CompletedPart, error) {
	if err := s.enter(OpCopyPart, req.SrcKey); err != nil {
		return storage.CompletedPart{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[req.UploadID]
	if !ok || u.aborted || u.done {
		return storage.CompletedPart{}, fmt.Errorf("upload %s: %w", req.UploadID, storage.ErrNotFound)
	}
	src, ok := s.buckets[req.SrcBucket][req.SrcKey]
	if !ok {
		return storage.CompletedPart{}, notFound(req.SrcBucket, req.SrcKey)
	}
	if req.FirstByte < 0 || req.LastByte < req.FirstByte || req.LastByte >= src.size {
		return storage.CompletedPart{}, fmt.Errorf("invalid range %d-%d for object of size %d", req.FirstByte, req.LastByte, src.size)
	}
	u.ranges[req.PartNumber] = Range{PartNumber: req.PartNumber, FirstByte: req.FirstByte, LastByte: req.LastByte}
	return storage.CompletedPart{PartNumber: req.PartNumber, ETag: fmt.Sprintf("part-%d", req.PartNumber)}, nil
}

// CompleteMultipartUpload implements storage.MultipartCopier. Parts must be
// in ascending part number order.
func (s *Store) CompleteMultipartUpload(_ context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	if err := s.enter(OpComplete, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.aborted || u.done {
		return fmt.Errorf("upload %s: %w", uploadID, storage.ErrNotFound)
	}
	var (
		size  int64
		etags strings.Builder
	)
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return fmt.Errorf("parts out of order: %d after %d", p.PartNumber, parts[i-1].PartNumber)
		}
		r, ok := u.ranges[p.PartNumber]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", p.PartNumber)
		}
		size += r.LastByte - r.FirstByte + 1
		etags.WriteString(p.ETag)
	}
	u.done = true
	meta := u.req.Metadata
	meta.UserMetadata = copyMap(u.req.Metadata.UserMetadata)
	s.bucket(bucket)[key] = &object{
		size:     size,
		etag:     fmt.Sprintf("%s-%d", MD5([]byte(etags.String())), len(parts)),
		modified: s.now(),
		meta:     meta,
		acl:      s.resolveACL(u.req.ACL, u.req.CrossAccount),
	}
	return nil
}

// AbortMultipartUpload implements storage.MultipartCopier.
func (s *Store) AbortMultipartUpload(_ context.Context, _, key, uploadID string) error {
	if err := s.enter(OpAbort, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, storage.ErrNotFound)
	}
	u.aborted = true
	return nil
}
