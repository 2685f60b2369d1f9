package models

import (
	"fmt"
	"time"
)

// UploadStatus is the lifecycle state of a multipart upload session.
type UploadStatus string

const (
	// UploadStatusOpen means the session was created and has not been
	// completed or aborted yet. Open rows left behind by a crash are
	// candidates for cleanup.
	UploadStatusOpen UploadStatus = "open"
	// UploadStatusCompleted means the object was assembled.
	UploadStatusCompleted UploadStatus = "completed"
	// UploadStatusAborted means the session was aborted after a failure.
	UploadStatusAborted UploadStatus = "aborted"
	// UploadStatusAbortFailed means the abort call failed and parts may
	// still be held by the store.
	UploadStatusAbortFailed UploadStatus = "abort_failed"
)

// Dangling reports whether the store may still hold parts for the session.
func (s UploadStatus) Dangling() bool {
	return s == UploadStatusOpen || s == UploadStatusAbortFailed
}

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// UploadRecord tracks one multipart upload session in the local ledger.
type UploadRecord struct {
	BaseModel

	Key        string       `gorm:"not null;size:1024" json:"key"`
	Bucket     string       `gorm:"size:255" json:"bucket,omitempty"`
	UploadID   string       `gorm:"uniqueIndex;not null;size:512" json:"upload_id"`
	Status     UploadStatus `gorm:"index;not null;size:32;default:'open'" json:"status"`
	Parts      int          `gorm:"not null;default:0" json:"parts"`
	TotalBytes int64        `gorm:"not null;default:0" json:"total_bytes"`
	Error      string       `gorm:"type:text" json:"error,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// TableName returns the table name for UploadRecord.
func (UploadRecord) TableName() string {
	return "upload_records"
}

// Validate checks the record before it is persisted.
func (r *UploadRecord) Validate() error {
	if r.Key == "" {
		return ErrValidation{Field: "key", Message: "is required"}
	}
	if r.UploadID == "" {
		return ErrValidation{Field: "upload_id", Message: "is required"}
	}
	return nil
}
