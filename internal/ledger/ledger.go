// Package ledger keeps a local record of multipart upload sessions so that
// sessions left open by a crash or a failed abort can be found and cleaned up
// later. It observes uploader events and writes through the upload record
// repository.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/loopcam/internal/events"
	"github.com/jmylchreest/loopcam/internal/models"
	"github.com/jmylchreest/loopcam/internal/repository"
	"github.com/jmylchreest/loopcam/internal/storage"
	"github.com/jmylchreest/loopcam/internal/upload"
)

// Ledger records multipart sessions from uploader events.
type Ledger struct {
	repo   repository.UploadRecordRepository
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(repo repository.UploadRecordRepository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger, now: time.Now}
}

// Observe implements events.Observer. Single-shot uploads never open a
// session and are ignored.
func (l *Ledger) Observe(ctx context.Context, ev events.Event) {
	if ev.UploadID == "" {
		return
	}
	// Part events may arrive on a context the uploader has already cancelled.
	ctx = context.WithoutCancel(ctx)

	var err error
	switch ev.Type {
	case events.TypeUploadSessionOpened:
		err = l.repo.Create(ctx, &models.UploadRecord{
			Key:      ev.Key,
			Bucket:   ev.Bucket,
			UploadID: ev.UploadID,
			Status:   models.UploadStatusOpen,
		})
	case events.TypeUploadPart:
		err = l.repo.RecordPart(ctx, ev.UploadID, ev.Bytes)
	case events.TypeUploadCompleted:
		err = l.repo.Finish(ctx, ev.UploadID, models.UploadStatusCompleted, ev.Parts, ev.TotalBytes, "")
	case events.TypeUploadFailed:
		err = l.repo.Finish(ctx, ev.UploadID, statusForCleanup(ev.Cleanup), 0, 0, ev.Error)
	default:
		return
	}
	if err != nil {
		l.logger.WarnContext(ctx, "failed to update upload ledger",
			slog.String("event", string(ev.Type)),
			slog.String("upload_id", ev.UploadID),
			slog.String("error", err.Error()),
		)
	}
}

func statusForCleanup(cleanup string) models.UploadStatus {
	if cleanup == upload.CleanupAborted.String() {
		return models.UploadStatusAborted
	}
	// A failed multipart upload that was not confirmed aborted may still hold
	// parts in the store.
	return models.UploadStatusAbortFailed
}

// Dangling returns sessions the store may still hold parts for.
func (l *Ledger) Dangling(ctx context.Context) ([]*models.UploadRecord, error) {
	return l.repo.List(ctx, models.UploadStatusOpen, models.UploadStatusAbortFailed)
}

// List returns all recorded sessions, newest first.
func (l *Ledger) List(ctx context.Context) ([]*models.UploadRecord, error) {
	return l.repo.List(ctx)
}

// CleanupOptions controls Cleanup.
type CleanupOptions struct {
	// OlderThan skips sessions younger than this, so an upload running in
	// another process is not aborted underneath it.
	OlderThan time.Duration
	// Prefix limits the store-side scan of incomplete uploads.
	Prefix string
	// ScanStore also aborts incomplete uploads the store reports but the
	// ledger never saw. Requires a store implementing storage.IncompleteLister.
	ScanStore bool
	// DryRun reports what would be aborted without calling the store.
	DryRun bool
}

// CleanupEntry describes one session considered by Cleanup.
type CleanupEntry struct {
	Key      string `json:"key" yaml:"key"`
	UploadID string `json:"upload_id" yaml:"upload_id"`
	Source   string `json:"source" yaml:"source"` // ledger or store
	Result   string `json:"result" yaml:"result"` // aborted, gone, failed, would_abort
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Cleanup aborts dangling multipart sessions. Failures on individual sessions
// do not stop the sweep; they are joined into the returned error.
func (l *Ledger) Cleanup(ctx context.Context, store storage.ObjectStore, opts CleanupOptions) ([]CleanupEntry, error) {
	cutoff := l.now().Add(-opts.OlderThan)

	dangling, err := l.Dangling(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dangling uploads: %w", err)
	}

	var (
		entries []CleanupEntry
		errs    []error
		seen    = make(map[string]bool, len(dangling))
	)

	for _, rec := range dangling {
		seen[rec.UploadID] = true
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		entry := l.abort(ctx, store, rec.Key, rec.UploadID, "ledger", opts.DryRun)
		if entry.Result == "failed" {
			errs = append(errs, fmt.Errorf("aborting %s (upload %s): %s", rec.Key, rec.UploadID, entry.Error))
		} else if !opts.DryRun {
			if ferr := l.repo.Finish(ctx, rec.UploadID, models.UploadStatusAborted, 0, 0, "aborted by cleanup"); ferr != nil {
				errs = append(errs, ferr)
			}
		}
		entries = append(entries, entry)
	}

	if opts.ScanStore {
		lister, ok := store.(storage.IncompleteLister)
		if !ok {
			return entries, errors.Join(append(errs, errors.New("store cannot list incomplete uploads"))...)
		}
		incomplete, err := lister.ListIncomplete(ctx, opts.Prefix)
		if err != nil {
			return entries, errors.Join(append(errs, fmt.Errorf("listing incomplete uploads: %w", err))...)
		}
		for _, inc := range incomplete {
			if seen[inc.UploadID] || inc.Initiated.After(cutoff) {
				continue
			}
			entry := l.abort(ctx, store, inc.Key, inc.UploadID, "store", opts.DryRun)
			if entry.Result == "failed" {
				errs = append(errs, fmt.Errorf("aborting %s (upload %s): %s", inc.Key, inc.UploadID, entry.Error))
			}
			entries = append(entries, entry)
		}
	}

	return entries, errors.Join(errs...)
}

func (l *Ledger) abort(ctx context.Context, store storage.ObjectStore, key, uploadID, source string, dryRun bool) CleanupEntry {
	entry := CleanupEntry{Key: key, UploadID: uploadID, Source: source}
	if dryRun {
		entry.Result = "would_abort"
		return entry
	}

	err := store.AbortMultipartUpload(ctx, key, uploadID)
	switch {
	case err == nil:
		entry.Result = "aborted"
		l.logger.InfoContext(ctx, "aborted dangling upload",
			slog.String("key", key),
			slog.String("upload_id", uploadID),
			slog.String("source", source),
		)
	case errors.Is(err, storage.ErrNoSuchUpload):
		entry.Result = "gone"
	default:
		entry.Result = "failed"
		entry.Error = err.Error()
		l.logger.WarnContext(ctx, "failed to abort dangling upload",
			slog.String("key", key),
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
	return entry
}

// Prune deletes completed and aborted records older than the retention.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.repo.DeleteFinishedBefore(ctx, l.now().Add(-retention))
}
