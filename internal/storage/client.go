package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Kind identifies a storage provider.
type Kind string

const (
	KindS3    Kind = "S3"
	KindGCS   Kind = "GCS"
	KindMinIO Kind = "MINIO"
)

// ParseKind normalizes a store type name as given on the command line.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case "":
		return KindS3, nil
	case KindS3, KindGCS, KindMinIO:
		return k, nil
	default:
		return "", errors.New("unsupported store type: " + s)
	}
}

var (
	// ErrNotFound reports that the object (or bucket) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthorized reports rejected credentials or missing permissions.
	ErrNotAuthorized = errors.New("not authorized")
)

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNotAuthorized reports whether err carries ErrNotAuthorized.
func IsNotAuthorized(err error) bool { return errors.Is(err, ErrNotAuthorized) }

// Backend is the capability surface the mirror engine needs from a store.
type Backend interface {
	Kind() Kind

	// ListPage returns one page of objects under prefix. An empty
	// Page.NextToken means the listing is exhausted.
	ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) (Page, error)
	GetMetadata(ctx context.Context, bucket, key string) (Metadata, error)
	GetACL(ctx context.Context, bucket, key string) (ACL, error)

	// CopyObject performs a server-side copy. The backend must be able to
	// read the source bucket.
	CopyObject(ctx context.Context, req CopyRequest) error
	DeleteObject(ctx context.Context, bucket, key string) error

	// GetObject and PutObject are used when source and destination do not
	// share a server and the bytes have to pass through this process.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, req PutRequest, body io.Reader) error
}

// MultipartCopier is implemented by backends that can copy byte ranges of an
// existing object into a multipart upload on the server side.
type MultipartCopier interface {
	NewMultipartUpload(ctx context.Context, req CopyRequest) (string, error)
	CopyPart(ctx context.Context, req PartCopyRequest) (CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// ObjectRecord is a single listing entry.
type ObjectRecord struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Fingerprint returns the change detector of the record.
func (r ObjectRecord) Fingerprint() Fingerprint {
	return Fingerprint{Size: r.Size, ETag: r.ETag}
}

// Fingerprint is a cheap (size, etag) change detector. It is not a content
// hash: multipart uploads produce etags that are not checksums.
type Fingerprint struct {
	Size int64
	ETag string
}

// Equal reports whether both size and etag match.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.ETag == o.ETag
}

// Page is one page of a listing.
type Page struct {
	Records   []ObjectRecord
	NextToken string
}

// Metadata describes a single object as returned by a metadata lookup.
type Metadata struct {
	ObjectRecord
	ContentType     string
	ContentEncoding string
	CacheControl    string
	UserMetadata    map[string]string
}

// Grant is a single provider-native ACL entry. Grantee is provider formatted
// (for S3 `id="..."`, `uri="..."` or `emailAddress="..."`).
type Grant struct {
	Grantee    string
	Permission string
}

// ACL is an access policy read from a store. It is only replayed onto a
// store of the same Kind.
type ACL struct {
	Kind   Kind
	Owner  string
	Grants []Grant
}

// CopyRequest describes a whole-object copy or the initiation of a multipart
// copy.
type CopyRequest struct {
	SrcBucket string
	SrcKey    string
	DstBucket string
	DstKey    string
	Metadata  Metadata
	ACL       ACL
	// CrossAccount grants the destination bucket owner full control instead
	// of replaying ACL.
	CrossAccount bool
}

// PartCopyRequest copies the inclusive byte range [FirstByte, LastByte] of
// the source into part PartNumber of an upload.
type PartCopyRequest struct {
	SrcBucket  string
	SrcKey     string
	DstBucket  string
	DstKey     string
	UploadID   string
	PartNumber int
	FirstByte  int64
	LastByte   int64
}

// PutRequest describes an upload of bytes read from another store.
type PutRequest struct {
	Bucket       string
	Key          string
	Metadata     Metadata
	ACL          ACL
	CrossAccount bool
}

// CompletedPart represents a completed multipart upload part
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
	// PathStyle forces path-style addressing (S3-compatible servers).
	PathStyle      bool
	MaxConnections int
	ProxyHost      string
	ProxyPort      int
	// CredentialsFile and ApplicationName are used by GCS only.
	CredentialsFile string
	ApplicationName string
}

// sourceEtagKey is the user metadata entry carrying the source etag on
// objects written by PutObject.
const sourceEtagKey = "Etag"

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
