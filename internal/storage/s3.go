package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Backend implements Backend and MultipartCopier for Amazon S3.
type S3Backend struct {
	client *s3.Client
}

var (
	_ Backend         = (*S3Backend)(nil)
	_ MultipartCopier = (*S3Backend)(nil)
)

// NewS3Backend creates a new S3 backend.
func NewS3Backend(ctx context.Context, cfg Config) (*S3Backend, error) {
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tuneTransport(tr, cfg)
	})

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		// Retries are driven by the jobs with a fixed delay.
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https://"
				if !cfg.Secure {
					scheme = "http://"
				}
				endpoint = scheme + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Backend{client: client}, nil
}

// Kind implements Backend.
func (s *S3Backend) Kind() Kind { return KindS3 }

// ListPage implements Backend.
func (s *S3Backend) ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) (Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(pageSize)),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return Page{}, s3Error(err, bucket, prefix)
	}

	page := Page{Records: make([]ObjectRecord, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Records = append(page.Records, ObjectRecord{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         trimETag(aws.ToString(obj.ETag)),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// GetMetadata implements Backend.
func (s *S3Backend) GetMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Metadata{}, s3Error(err, bucket, key)
	}

	return Metadata{
		ObjectRecord: ObjectRecord{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			LastModified: aws.ToTime(out.LastModified),
			ETag:         trimETag(aws.ToString(out.ETag)),
		},
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		CacheControl:    aws.ToString(out.CacheControl),
		UserMetadata:    out.Metadata,
	}, nil
}

// GetACL implements Backend.
func (s *S3Backend) GetACL(ctx context.Context, bucket, key string) (ACL, error) {
	out, err := s.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ACL{}, s3Error(err, bucket, key)
	}

	acl := ACL{Kind: KindS3}
	if out.Owner != nil {
		acl.Owner = aws.ToString(out.Owner.ID)
	}
	for _, g := range out.Grants {
		if g.Grantee == nil {
			continue
		}
		var grantee string
		switch {
		case g.Grantee.ID != nil:
			grantee = fmt.Sprintf("id=%q", aws.ToString(g.Grantee.ID))
		case g.Grantee.URI != nil:
			grantee = fmt.Sprintf("uri=%q", aws.ToString(g.Grantee.URI))
		case g.Grantee.EmailAddress != nil:
			grantee = fmt.Sprintf("emailAddress=%q", aws.ToString(g.Grantee.EmailAddress))
		default:
			continue
		}
		acl.Grants = append(acl.Grants, Grant{Grantee: grantee, Permission: string(g.Permission)})
	}
	return acl, nil
}

// grantHeaders groups grants by the x-amz-grant-* header they belong to.
func grantHeaders(grants []Grant) map[string]string {
	byHeader := make(map[string][]string)
	for _, g := range grants {
		var header string
		switch types.Permission(g.Permission) {
		case types.PermissionFullControl:
			header = "x-amz-grant-full-control"
		case types.PermissionRead:
			header = "x-amz-grant-read"
		case types.PermissionReadAcp:
			header = "x-amz-grant-read-acp"
		case types.PermissionWriteAcp:
			header = "x-amz-grant-write-acp"
		default:
			continue
		}
		byHeader[header] = append(byHeader[header], g.Grantee)
	}
	out := make(map[string]string, len(byHeader))
	for header, grantees := range byHeader {
		sort.Strings(grantees)
		out[header] = strings.Join(grantees, ", ")
	}
	return out
}

// aclFields carries the ACL part shared by CopyObject, CreateMultipartUpload
// and PutObject inputs.
type aclFields struct {
	canned                            types.ObjectCannedACL
	fullControl, read, readACP, write *string
}

func s3ACL(acl ACL, crossAccount bool) aclFields {
	if crossAccount {
		return aclFields{canned: types.ObjectCannedACLBucketOwnerFullControl}
	}
	var f aclFields
	if acl.Kind != KindS3 && acl.Kind != KindMinIO {
		return f
	}
	for header, grantees := range grantHeaders(acl.Grants) {
		v := aws.String(grantees)
		switch header {
		case "x-amz-grant-full-control":
			f.fullControl = v
		case "x-amz-grant-read":
			f.read = v
		case "x-amz-grant-read-acp":
			f.readACP = v
		case "x-amz-grant-write-acp":
			f.write = v
		}
	}
	return f
}

func copySource(bucket, key string) string {
	return url.PathEscape(bucket) + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// CopyObject implements Backend.
func (s *S3Backend) CopyObject(ctx context.Context, req CopyRequest) error {
	acl := s3ACL(req.ACL, req.CrossAccount)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(req.DstBucket),
		Key:               aws.String(req.DstKey),
		CopySource:        aws.String(copySource(req.SrcBucket, req.SrcKey)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          req.Metadata.UserMetadata,
		ContentType:       optString(req.Metadata.ContentType),
		ContentEncoding:   optString(req.Metadata.ContentEncoding),
		CacheControl:      optString(req.Metadata.CacheControl),
		ACL:               acl.canned,
		GrantFullControl:  acl.fullControl,
		GrantRead:         acl.read,
		GrantReadACP:      acl.readACP,
		GrantWriteACP:     acl.write,
	})
	if err != nil {
		return s3Error(err, req.DstBucket, req.DstKey)
	}
	return nil
}

// DeleteObject implements Backend.
func (s *S3Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error(err, bucket, key)
	}
	return nil
}

// GetObject implements Backend.
func (s *S3Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err, bucket, key)
	}
	return out.Body, nil
}

// PutObject implements Backend. The uploader switches to a multipart upload
// for bodies larger than one part and aborts it when any step fails.
func (s *S3Backend) PutObject(ctx context.Context, req PutRequest, body io.Reader) error {
	meta := cloneMetadata(req.Metadata.UserMetadata)
	meta[sourceEtagKey] = req.Metadata.ETag
	acl := s3ACL(req.ACL, req.CrossAccount)

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize(req.Metadata.Size)
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:           aws.String(req.Bucket),
		Key:              aws.String(req.Key),
		Body:             body,
		Metadata:         meta,
		ContentType:      optString(req.Metadata.ContentType),
		ContentEncoding:  optString(req.Metadata.ContentEncoding),
		CacheControl:     optString(req.Metadata.CacheControl),
		ACL:              acl.canned,
		GrantFullControl: acl.fullControl,
		GrantRead:        acl.read,
		GrantReadACP:     acl.readACP,
		GrantWriteACP:    acl.write,
	})
	if err != nil {
		return s3Error(err, req.Bucket, req.Key)
	}
	return nil
}

// uploadPartSize keeps an upload of size bytes within the part count limit.
// The uploader cannot size parts itself because the body is not seekable.
func uploadPartSize(size int64) int64 {
	partSize := int64(manager.DefaultUploadPartSize)
	maxParts := int64(manager.MaxUploadParts)
	if minSize := (size + maxParts - 1) / maxParts; minSize > partSize {
		partSize = minSize
	}
	return partSize
}

// NewMultipartUpload implements MultipartCopier.
func (s *S3Backend) NewMultipartUpload(ctx context.Context, req CopyRequest) (string, error) {
	acl := s3ACL(req.ACL, req.CrossAccount)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:           aws.String(req.DstBucket),
		Key:              aws.String(req.DstKey),
		Metadata:         req.Metadata.UserMetadata,
		ContentType:      optString(req.Metadata.ContentType),
		ContentEncoding:  optString(req.Metadata.ContentEncoding),
		CacheControl:     optString(req.Metadata.CacheControl),
		ACL:              acl.canned,
		GrantFullControl: acl.fullControl,
		GrantRead:        acl.read,
		GrantReadACP:     acl.readACP,
		GrantWriteACP:    acl.write,
	})
	if err != nil {
		return "", s3Error(err, req.DstBucket, req.DstKey)
	}
	return aws.ToString(out.UploadId), nil
}

// CopyPart implements MultipartCopier.
func (s *S3Backend) CopyPart(ctx context.Context, req PartCopyRequest) (CompletedPart, error) {
	out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(req.DstBucket),
		Key:             aws.String(req.DstKey),
		CopySource:      aws.String(copySource(req.SrcBucket, req.SrcKey)),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", req.FirstByte, req.LastByte)),
		PartNumber:      aws.Int32(int32(req.PartNumber)),
		UploadId:        aws.String(req.UploadID),
	})
	if err != nil {
		return CompletedPart{}, s3Error(err, req.DstBucket, req.DstKey)
	}
	part := CompletedPart{PartNumber: req.PartNumber}
	if out.CopyPartResult != nil {
		part.ETag = aws.ToString(out.CopyPartResult.ETag)
	}
	return part, nil
}

// CompleteMultipartUpload implements MultipartCopier.
func (s *S3Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return s3Error(err, bucket, key)
	}
	return nil
}

// AbortMultipartUpload implements MultipartCopier.
func (s *S3Backend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return s3Error(err, bucket, key)
	}
	return nil
}

// s3Error maps SDK errors onto the storage error taxonomy.
func s3Error(err error, bucket, key string) error {
	var (
		nsk      *types.NoSuchKey
		nsb      *types.NoSuchBucket
		notFound *types.NotFound
		respErr  *awshttp.ResponseError
		apiErr   smithy.APIError
	)
	path := objectPath(bucket, key)
	switch {
	case errors.As(err, &nsk), errors.As(err, &nsb), errors.As(err, &notFound):
		return fmt.Errorf("%s: %w: %v", path, ErrNotFound, err)
	case errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %v", path, ErrNotFound, err)
	case errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", path, ErrNotAuthorized, err)
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w: %v", path, ErrNotAuthorized, err)
		}
	}
	return fmt.Errorf("%s: %w", path, err)
}
