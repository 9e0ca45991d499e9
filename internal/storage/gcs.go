package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend for Google Cloud Storage.
type GCSBackend struct {
	client *storage.Client
}

var _ Backend = (*GCSBackend)(nil)

// NewGCSBackend creates a new GCS backend. ApplicationName is required and is
// sent in the user agent of every request.
func NewGCSBackend(ctx context.Context, cfg Config) (*GCSBackend, error) {
	if cfg.ApplicationName == "" {
		return nil, errors.New("GCS application name is required")
	}

	opts := []option.ClientOption{option.WithUserAgent(cfg.ApplicationName)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.MaxConnections > 0 || proxyURL(cfg) != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tuneTransport(tr, cfg)
		opts = append(opts, option.WithHTTPClient(&http.Client{Transport: tr}))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBackend{client: client}, nil
}

// Close releases the underlying client.
func (g *GCSBackend) Close() error {
	return g.client.Close()
}

// Kind implements Backend.
func (g *GCSBackend) Kind() Kind { return KindGCS }

// ListPage implements Backend.
func (g *GCSBackend) ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) (Page, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var attrs []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, token).NextPage(&attrs)
	if err != nil {
		return Page{}, gcsError(err, bucket, prefix)
	}

	page := Page{NextToken: next, Records: make([]ObjectRecord, 0, len(attrs))}
	for _, a := range attrs {
		if a.Name == "" {
			continue
		}
		page.Records = append(page.Records, ObjectRecord{
			Key:          a.Name,
			Size:         a.Size,
			LastModified: a.Updated,
			ETag:         gcsETag(a),
		})
	}
	return page, nil
}

// gcsETag prefers the source etag recorded when the object was mirrored in,
// then the MD5 of the content.
func gcsETag(a *storage.ObjectAttrs) string {
	if v, ok := a.Metadata[sourceEtagKey]; ok && v != "" {
		return v
	}
	if len(a.MD5) > 0 {
		return hex.EncodeToString(a.MD5)
	}
	return a.Etag
}

// GetMetadata implements Backend.
func (g *GCSBackend) GetMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	a, err := g.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return Metadata{}, gcsError(err, bucket, key)
	}
	return Metadata{
		ObjectRecord: ObjectRecord{
			Key:          key,
			Size:         a.Size,
			LastModified: a.Updated,
			ETag:         gcsETag(a),
		},
		ContentType:     a.ContentType,
		ContentEncoding: a.ContentEncoding,
		CacheControl:    a.CacheControl,
		UserMetadata:    a.Metadata,
	}, nil
}

// GetACL implements Backend.
func (g *GCSBackend) GetACL(ctx context.Context, bucket, key string) (ACL, error) {
	rules, err := g.client.Bucket(bucket).Object(key).ACL().List(ctx)
	if err != nil {
		return ACL{}, gcsError(err, bucket, key)
	}
	acl := ACL{Kind: KindGCS}
	for _, r := range rules {
		if r.Role == storage.RoleOwner && acl.Owner == "" {
			acl.Owner = string(r.Entity)
		}
		acl.Grants = append(acl.Grants, Grant{Grantee: string(r.Entity), Permission: string(r.Role)})
	}
	return acl, nil
}

// gcsApplyACL sets either the predefined cross-account ACL or the replayed
// rules. ACLs read from other providers are ignored.
func gcsApplyACL(attrs *storage.ObjectAttrs, acl ACL, crossAccount bool) {
	if crossAccount {
		attrs.PredefinedACL = "bucketOwnerFullControl"
		return
	}
	if acl.Kind != KindGCS {
		return
	}
	for _, gr := range acl.Grants {
		attrs.ACL = append(attrs.ACL, storage.ACLRule{
			Entity: storage.ACLEntity(gr.Grantee),
			Role:   storage.ACLRole(gr.Permission),
		})
	}
}

// CopyObject implements Backend.
func (g *GCSBackend) CopyObject(ctx context.Context, req CopyRequest) error {
	src := g.client.Bucket(req.SrcBucket).Object(req.SrcKey)
	dst := g.client.Bucket(req.DstBucket).Object(req.DstKey)

	copier := dst.CopierFrom(src)
	copier.ObjectAttrs = storage.ObjectAttrs{
		ContentType:     req.Metadata.ContentType,
		ContentEncoding: req.Metadata.ContentEncoding,
		CacheControl:    req.Metadata.CacheControl,
		Metadata:        req.Metadata.UserMetadata,
	}
	gcsApplyACL(&copier.ObjectAttrs, req.ACL, req.CrossAccount)

	if _, err := copier.Run(ctx); err != nil {
		return gcsError(err, req.DstBucket, req.DstKey)
	}
	return nil
}

// DeleteObject implements Backend.
func (g *GCSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := g.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return gcsError(err, bucket, key)
	}
	return nil
}

// GetObject implements Backend.
func (g *GCSBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsError(err, bucket, key)
	}
	return r, nil
}

// PutObject implements Backend. The source etag is kept in metadata so that
// later runs compare against it instead of the GCS generated MD5.
func (g *GCSBackend) PutObject(ctx context.Context, req PutRequest, body io.Reader) error {
	w := g.client.Bucket(req.Bucket).Object(req.Key).NewWriter(ctx)
	w.ContentType = req.Metadata.ContentType
	w.ContentEncoding = req.Metadata.ContentEncoding
	w.CacheControl = req.Metadata.CacheControl
	w.Metadata = cloneMetadata(req.Metadata.UserMetadata)
	w.Metadata[sourceEtagKey] = req.Metadata.ETag
	gcsApplyACL(&w.ObjectAttrs, req.ACL, req.CrossAccount)

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", objectPath(req.Bucket, req.Key), err)
	}
	if err := w.Close(); err != nil {
		return gcsError(err, req.Bucket, req.Key)
	}
	return nil
}

func gcsError(err error, bucket, key string) error {
	path := objectPath(bucket, key)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w: %v", path, ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", path, ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", path, ErrNotAuthorized, err)
		}
	}
	return fmt.Errorf("%s: %w", path, err)
}
