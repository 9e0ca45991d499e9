package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOBackend implements Backend and MultipartCopier for MinIO and other
// S3-compatible servers using minio-go.
type MinIOBackend struct {
	client *minio.Client
	core   *minio.Core
}

var (
	_ Backend         = (*MinIOBackend)(nil)
	_ MultipartCopier = (*MinIOBackend)(nil)
)

// NewMinIOBackend creates a new MinIO backend
func NewMinIOBackend(cfg Config) (*MinIOBackend, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	transport, err := minio.DefaultTransport(cfg.Secure)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}
	tuneTransport(transport, cfg)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOBackend{client: client, core: &minio.Core{Client: client}}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// Kind implements Backend.
func (c *MinIOBackend) Kind() Kind { return KindMinIO }

// ListPage lists up to pageSize objects after token. The page token is the
// last key of the previous page.
func (c *MinIOBackend) ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) (Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var page Page
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: token,
		MaxKeys:    pageSize,
	}) {
		if obj.Err != nil {
			return Page{}, minioError(obj.Err, bucket, prefix)
		}
		page.Records = append(page.Records, ObjectRecord{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         trimETag(obj.ETag),
		})
		if len(page.Records) == pageSize {
			page.NextToken = obj.Key
			break
		}
	}
	return page, nil
}

// GetMetadata implements Backend.
func (c *MinIOBackend) GetMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Metadata{}, minioError(err, bucket, key)
	}

	return Metadata{
		ObjectRecord: ObjectRecord{
			Key:          key,
			Size:         info.Size,
			ETag:         trimETag(info.ETag),
			LastModified: info.LastModified,
		},
		ContentType:  info.ContentType,
		UserMetadata: info.UserMetadata,
	}, nil
}

// GetACL implements Backend.
func (c *MinIOBackend) GetACL(ctx context.Context, bucket, key string) (ACL, error) {
	info, err := c.client.GetObjectACL(ctx, bucket, key)
	if err != nil {
		return ACL{}, minioError(err, bucket, key)
	}
	acl := ACL{Kind: KindMinIO, Owner: info.Owner.ID}
	for _, g := range info.Grant {
		grantee := fmt.Sprintf("id=%q", g.Grantee.ID)
		if g.Grantee.URI != "" {
			grantee = fmt.Sprintf("uri=%q", g.Grantee.URI)
		}
		acl.Grants = append(acl.Grants, Grant{Grantee: grantee, Permission: g.Permission})
	}
	return acl, nil
}

// aclHeaders renders the ACL as request headers carried in user metadata;
// minio-go forwards x-amz-acl and x-amz-grant-* unprefixed.
func (c *MinIOBackend) aclHeaders(meta map[string]string, acl ACL, crossAccount bool) {
	if crossAccount {
		meta["x-amz-acl"] = "bucket-owner-full-control"
		return
	}
	if acl.Kind != KindMinIO && acl.Kind != KindS3 {
		return
	}
	for header, grantees := range grantHeaders(acl.Grants) {
		meta[header] = grantees
	}
}

// CopyObject implements Backend.
func (c *MinIOBackend) CopyObject(ctx context.Context, req CopyRequest) error {
	meta := cloneMetadata(req.Metadata.UserMetadata)
	if req.Metadata.ContentType != "" {
		meta["Content-Type"] = req.Metadata.ContentType
	}
	c.aclHeaders(meta, req.ACL, req.CrossAccount)

	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          req.DstBucket,
			Object:          req.DstKey,
			UserMetadata:    meta,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{
			Bucket: req.SrcBucket,
			Object: req.SrcKey,
		},
	)
	if err != nil {
		return minioError(err, req.DstBucket, req.DstKey)
	}
	return nil
}

// DeleteObject implements Backend.
func (c *MinIOBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError(err, bucket, key)
	}
	return nil
}

// GetObject retrieves an object
func (c *MinIOBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(err, bucket, key)
	}
	return obj, nil
}

// PutObject uploads an object
func (c *MinIOBackend) PutObject(ctx context.Context, req PutRequest, body io.Reader) error {
	contentType := req.Metadata.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := cloneMetadata(req.Metadata.UserMetadata)
	meta[sourceEtagKey] = req.Metadata.ETag
	c.aclHeaders(meta, req.ACL, req.CrossAccount)

	_, err := c.client.PutObject(ctx, req.Bucket, req.Key, body, req.Metadata.Size, minio.PutObjectOptions{
		ContentType:     contentType,
		ContentEncoding: req.Metadata.ContentEncoding,
		CacheControl:    req.Metadata.CacheControl,
		UserMetadata:    meta,
	})
	if err != nil {
		return minioError(err, req.Bucket, req.Key)
	}
	return nil
}

// NewMultipartUpload initiates a multipart upload
func (c *MinIOBackend) NewMultipartUpload(ctx context.Context, req CopyRequest) (string, error) {
	meta := cloneMetadata(req.Metadata.UserMetadata)
	c.aclHeaders(meta, req.ACL, req.CrossAccount)

	uploadID, err := c.core.NewMultipartUpload(ctx, req.DstBucket, req.DstKey, minio.PutObjectOptions{
		ContentType:     req.Metadata.ContentType,
		ContentEncoding: req.Metadata.ContentEncoding,
		CacheControl:    req.Metadata.CacheControl,
		UserMetadata:    meta,
	})
	if err != nil {
		return "", minioError(err, req.DstBucket, req.DstKey)
	}
	return uploadID, nil
}

// CopyPart implements MultipartCopier.
func (c *MinIOBackend) CopyPart(ctx context.Context, req PartCopyRequest) (CompletedPart, error) {
	part, err := c.core.CopyObjectPart(ctx, req.SrcBucket, req.SrcKey, req.DstBucket, req.DstKey,
		req.UploadID, req.PartNumber, req.FirstByte, req.LastByte-req.FirstByte+1, nil)
	if err != nil {
		return CompletedPart{}, minioError(err, req.SrcBucket, req.SrcKey)
	}
	return CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag}, nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *MinIOBackend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	_, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	if err != nil {
		return minioError(err, bucket, key)
	}
	return nil
}

// AbortMultipartUpload aborts a multipart upload
func (c *MinIOBackend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := c.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		return minioError(err, bucket, key)
	}
	return nil
}

func minioError(err error, bucket, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket":
		return fmt.Errorf("%s: %w: %v", objectPath(bucket, key), ErrNotFound, err)
	case resp.StatusCode == http.StatusForbidden, resp.Code == "AccessDenied",
		resp.Code == "InvalidAccessKeyId", resp.Code == "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w: %v", objectPath(bucket, key), ErrNotAuthorized, err)
	default:
		return fmt.Errorf("%s: %w", objectPath(bucket, key), err)
	}
}
