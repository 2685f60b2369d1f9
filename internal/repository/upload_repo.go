// Package repository provides data access for the upload ledger.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/loopcam/internal/models"
)

// UploadRecordRepository defines operations for upload record persistence.
type UploadRecordRepository interface {
	// Create creates a new upload record.
	Create(ctx context.Context, rec *models.UploadRecord) error
	// GetByUploadID retrieves a record by its store upload ID.
	GetByUploadID(ctx context.Context, uploadID string) (*models.UploadRecord, error)
	// List retrieves records, newest first, optionally filtered by status.
	List(ctx context.Context, statuses ...models.UploadStatus) ([]*models.UploadRecord, error)
	// RecordPart increments the part count and byte total of an open session.
	RecordPart(ctx context.Context, uploadID string, bytes int64) error
	// Finish moves a session to a terminal status.
	Finish(ctx context.Context, uploadID string, status models.UploadStatus, parts int, totalBytes int64, errMsg string) error
	// DeleteFinishedBefore removes terminal, non-dangling records older than the cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// uploadRecordRepo implements UploadRecordRepository using GORM.
type uploadRecordRepo struct {
	db *gorm.DB
}

// NewUploadRecordRepository creates a new UploadRecordRepository.
func NewUploadRecordRepository(db *gorm.DB) *uploadRecordRepo {
	return &uploadRecordRepo{db: db}
}

// Create creates a new upload record.
func (r *uploadRecordRepo) Create(ctx context.Context, rec *models.UploadRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = models.UploadStatusOpen
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating upload record: %w", err)
	}
	return nil
}

// GetByUploadID retrieves a record by its store upload ID. It returns nil
// when no record exists.
func (r *uploadRecordRepo) GetByUploadID(ctx context.Context, uploadID string) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	if err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload record by upload ID: %w", err)
	}
	return &rec, nil
}

// List retrieves records, newest first, optionally filtered by status.
func (r *uploadRecordRepo) List(ctx context.Context, statuses ...models.UploadStatus) ([]*models.UploadRecord, error) {
	var recs []*models.UploadRecord
	query := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing upload records: %w", err)
	}
	return recs, nil
}

// RecordPart increments the part count and byte total of an open session.
func (r *uploadRecordRepo) RecordPart(ctx context.Context, uploadID string, bytes int64) error {
	result := r.db.WithContext(ctx).Model(&models.UploadRecord{}).
		Where("upload_id = ? AND status = ?", uploadID, models.UploadStatusOpen).
		Updates(map[string]any{
			"parts":       gorm.Expr("parts + ?", 1),
			"total_bytes": gorm.Expr("total_bytes + ?", bytes),
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("recording upload part: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("recording upload part: no open session %s", uploadID)
	}
	return nil
}

// Finish moves a session to a terminal status. Parts and totalBytes overwrite
// the running counters when positive, since the uploader's final figures are
// authoritative.
func (r *uploadRecordRepo) Finish(ctx context.Context, uploadID string, status models.UploadStatus, parts int, totalBytes int64, errMsg string) error {
	now := time.Now()
	updates := map[string]any{
		"status":      status,
		"error":       errMsg,
		"finished_at": &now,
		"updated_at":  now,
	}
	if parts > 0 {
		updates["parts"] = parts
	}
	if totalBytes > 0 {
		updates["total_bytes"] = totalBytes
	}

	result := r.db.WithContext(ctx).Model(&models.UploadRecord{}).
		Where("upload_id = ?", uploadID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finishing upload record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("finishing upload record: unknown upload %s", uploadID)
	}
	return nil
}

// DeleteFinishedBefore removes completed and aborted records older than the
// cutoff. Dangling records are always kept.
func (r *uploadRecordRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]models.UploadStatus{models.UploadStatusCompleted, models.UploadStatusAborted}, cutoff).
		Delete(&models.UploadRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished upload records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
