// Package storage defines the object store port used by the uploader and the
// adapters behind it: S3 compatible services through minio-go and a local
// directory that mimics the multipart protocol.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// MinPartSize is the smallest non-final part S3 accepts.
const MinPartSize = 5 * 1024 * 1024

// Handler names accepted by New.
const (
	HandlerS3         = "s3"
	HandlerFilesystem = "filesystem"
)

var (
	// ErrNoSuchUpload is returned for an unknown or already finalized upload id.
	ErrNoSuchUpload = errors.New("no such multipart upload")

	// ErrInvalidPart is returned when a completion lists a part that was never
	// uploaded or whose etag does not match.
	ErrInvalidPart = errors.New("invalid part")

	// ErrUnknownHandler is returned by New for an unsupported handler name.
	ErrUnknownHandler = errors.New("unknown storage handler")
)

// CompletedPart identifies an uploaded part in a completion request.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// ObjectStore is a bucket-bound object store with S3 multipart semantics.
// body readers carry exactly size bytes.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) (string, error)
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// IncompleteUpload describes a multipart session that was never finalized.
type IncompleteUpload struct {
	Key       string    `json:"key"`
	UploadID  string    `json:"upload_id"`
	Initiated time.Time `json:"initiated"`
	Size      int64     `json:"size"`
}

// IncompleteLister is implemented by stores that can enumerate dangling
// multipart sessions.
type IncompleteLister interface {
	ListIncomplete(ctx context.Context, prefix string) ([]IncompleteUpload, error)
}

// Describer is implemented by stores that can name their destination.
type Describer interface {
	Bucket() string
	Location(key string) string
}
