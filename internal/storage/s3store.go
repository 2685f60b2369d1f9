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

	"github.com/jmylchreest/loopcam/internal/version"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	// CreateBucket creates the bucket when it does not exist.
	CreateBucket bool
	ContentType  string
	// Transport replaces the default HTTP transport, for example to trust a
	// private CA.
	Transport http.RoundTripper
}

// S3Store talks to S3 or any compatible service (MinIO, Ceph, R2) using the
// low level multipart calls of minio-go.
type S3Store struct {
	core        *minio.Core
	bucket      string
	endpoint    string
	secure      bool
	contentType string
}

// NewS3Store creates a client bound to cfg.Bucket.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	secure := cfg.UseSSL
	// Accept a full URL as well as host[:port].
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:     creds,
		Secure:    secure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	core.SetAppInfo(version.ApplicationName, version.Version)

	s := &S3Store{
		core:        core,
		bucket:      cfg.Bucket,
		endpoint:    endpoint,
		secure:      secure,
		contentType: cfg.ContentType,
	}

	if cfg.CreateBucket {
		if err := s.EnsureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.core.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.core.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Bucket returns the bound bucket.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Location returns the object URL.
func (s *S3Store) Location(key string) string {
	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, strings.TrimPrefix(key, "/"))
}

func (s *S3Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{ContentType: s.contentType}
}

// PutObject uploads a whole object in one request.
func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	opts := s.putOptions()
	// The uploader never exceeds the part threshold here, so stop minio-go from
	// switching to its own multipart path.
	opts.DisableMultipart = true
	info, err := s.core.Client.PutObject(ctx, s.bucket, key, body, size, opts)
	if err != nil {
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}
	return info.ETag, nil
}

// CreateMultipartUpload starts a multipart upload.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, s.putOptions())
	if err != nil {
		return "", fmt.Errorf("creating multipart upload for %s: %w", key, err)
	}
	return uploadID, nil
}

// UploadPart uploads one part.
func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, partNumber, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("uploading part %d of %s: %w", partNumber, key, err)
	}
	return part.ETag, nil
}

// CompleteMultipartUpload assembles the listed parts.
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	complete := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, complete, s.putOptions()); err != nil {
		return fmt.Errorf("completing multipart upload %s for %s: %w", uploadID, key, err)
	}
	return nil
}

// AbortMultipartUpload discards an upload and its parts.
func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchUpload" {
			return fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
		}
		return fmt.Errorf("aborting multipart upload %s for %s: %w", uploadID, key, err)
	}
	return nil
}

// ListIncomplete lists multipart uploads that were never completed or aborted.
func (s *S3Store) ListIncomplete(ctx context.Context, prefix string) ([]IncompleteUpload, error) {
	var out []IncompleteUpload
	for info := range s.core.Client.ListIncompleteUploads(ctx, s.bucket, prefix, true) {
		if info.Err != nil {
			return nil, fmt.Errorf("listing incomplete uploads: %w", info.Err)
		}
		out = append(out, IncompleteUpload{
			Key:       info.Key,
			UploadID:  info.UploadID,
			Initiated: info.Initiated,
			Size:      info.Size,
		})
	}
	return out, nil
}
