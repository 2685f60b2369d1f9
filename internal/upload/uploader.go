// Package upload streams captured bytes to an object store. Payloads up to the
// part threshold go up in one request; anything larger becomes a multipart
// upload of threshold-sized parts plus a trailing remainder. A failed
// multipart session is aborted exactly once.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/loopcam/internal/events"
	"github.com/jmylchreest/loopcam/internal/ringbuf"
	"github.com/jmylchreest/loopcam/internal/storage"
)

// Strategy is the upload path chosen for a payload.
type Strategy string

// Strategies.
const (
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

// MaxConcurrency bounds Options.Concurrency.
const MaxConcurrency = 16

// Options configures an Uploader.
type Options struct {
	// MinPartSize is both the single-shot threshold and the size of every
	// non-final part.
	MinPartSize int64
	// Concurrency is the number of parts in flight. 1 uploads serially.
	Concurrency int
	// FallbackToStart uploads from the oldest retained byte when the snapshot
	// has no SPS header, instead of failing.
	FallbackToStart bool
	// AbortTimeout bounds the abort call, which runs even when the upload
	// context has been cancelled.
	AbortTimeout time.Duration
	// Bucket is reported in events.
	Bucket string
}

// DefaultOptions returns serial uploads with the S3 minimum part size.
func DefaultOptions() Options {
	return Options{
		MinPartSize:  storage.MinPartSize,
		Concurrency:  1,
		AbortTimeout: 30 * time.Second,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.MinPartSize <= 0 {
		return fmt.Errorf("min part size must be positive, got %d", o.MinPartSize)
	}
	if o.Concurrency < 1 || o.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d, got %d", MaxConcurrency, o.Concurrency)
	}
	return nil
}

// Report describes a successful upload.
type Report struct {
	Strategy   Strategy                `json:"strategy"`
	Key        string                  `json:"key"`
	UploadID   string                  `json:"upload_id,omitempty"`
	ETag       string                  `json:"etag,omitempty"`
	Parts      []storage.CompletedPart `json:"parts,omitempty"`
	TotalBytes int64                   `json:"total_bytes"`
	Offset     int64                   `json:"offset"`
	Duration   time.Duration           `json:"duration"`
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithObserver sets the event observer.
func WithObserver(o events.Observer) Option {
	return func(u *Uploader) {
		if o != nil {
			u.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// Uploader pushes payloads to an ObjectStore. It holds no per-upload state and
// may be reused.
type Uploader struct {
	store    storage.ObjectStore
	opts     Options
	observer events.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Uploader.
func New(store storage.ObjectStore, opts Options, options ...Option) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("upload: nil object store")
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = DefaultOptions().AbortTimeout
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upload options: %w", err)
	}

	u := &Uploader{
		store:    store,
		opts:     opts,
		observer: events.Nop,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range options {
		o(u)
	}
	return u, nil
}

// Options returns the uploader configuration.
func (u *Uploader) Options() Options {
	return u.opts
}

// Upload sends the snapshot from its earliest retained SPS header to the end
// of the captured data.
func (u *Uploader) Upload(ctx context.Context, key string, snap *ringbuf.Snapshot) (*Report, error) {
	offset, err := snap.EarliestHeaderOffset()
	if err != nil {
		if !errors.Is(err, ringbuf.ErrNoResumableStart) || !u.opts.FallbackToStart {
			return nil, fmt.Errorf("resolving start offset: %w", err)
		}
		offset = snap.Start()
		u.logger.WarnContext(ctx, "no header frame retained, uploading from oldest byte",
			slog.String("key", key),
			slog.Int64("offset", offset),
		)
	}

	r, err := snap.NewReader(offset)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot reader: %w", err)
	}
	return u.upload(ctx, key, r, r.Len(), offset)
}

// UploadBytes sends an in-memory payload.
func (u *Uploader) UploadBytes(ctx context.Context, key string, data []byte) (*Report, error) {
	return u.upload(ctx, key, bytes.NewReader(data), int64(len(data)), 0)
}

func (u *Uploader) upload(ctx context.Context, key string, r io.Reader, size, offset int64) (*Report, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	start := u.now()
	strategy := StrategySingle
	if size > u.opts.MinPartSize {
		strategy = StrategyMultipart
	}

	u.emit(ctx, events.Event{
		Type:       events.TypeUploadStarted,
		Key:        key,
		Strategy:   string(strategy),
		TotalBytes: size,
		Offset:     offset,
	})

	var (
		report *Report
		err    error
	)
	if strategy == StrategySingle {
		report, err = u.putSingle(ctx, key, r, size)
	} else {
		report, err = u.putMultipart(ctx, key, r, size)
	}
	if err != nil {
		ev := events.Event{
			Type:       events.TypeUploadFailed,
			Key:        key,
			Strategy:   string(strategy),
			TotalBytes: size,
			Offset:     offset,
			Error:      err.Error(),
			Cleanup:    CleanupNone.String(),
		}
		var te *TransportError
		if errors.As(err, &te) {
			ev.UploadID = te.UploadID
			ev.PartNumber = te.PartNumber
			ev.Cleanup = te.Cleanup.String()
		}
		u.emit(ctx, ev)
		return nil, err
	}

	report.Offset = offset
	report.Duration = u.now().Sub(start)
	u.emit(ctx, events.Event{
		Type:       events.TypeUploadCompleted,
		Key:        key,
		Strategy:   string(strategy),
		UploadID:   report.UploadID,
		ETag:       report.ETag,
		Parts:      len(report.Parts),
		TotalBytes: report.TotalBytes,
		Offset:     offset,
	})
	return report, nil
}

func (u *Uploader) putSingle(ctx context.Context, key string, r io.Reader, size int64) (*Report, error) {
	etag, err := u.store.PutObject(ctx, key, r, size)
	if err != nil {
		return nil, &TransportError{Op: OpPutObject, Key: key, Err: err, Cleanup: CleanupNone}
	}
	return &Report{
		Strategy:   StrategySingle,
		Key:        key,
		ETag:       etag,
		TotalBytes: size,
	}, nil
}

func (u *Uploader) putMultipart(ctx context.Context, key string, r io.Reader, size int64) (*Report, error) {
	uploadID, err := u.store.CreateMultipartUpload(ctx, key)
	if err != nil {
		return nil, &TransportError{Op: OpCreateMultipart, Key: key, Err: err, Cleanup: CleanupNone}
	}

	u.emit(ctx, events.Event{
		Type:       events.TypeUploadSessionOpened,
		Key:        key,
		Strategy:   string(StrategyMultipart),
		UploadID:   uploadID,
		TotalBytes: size,
	})

	var parts []storage.CompletedPart
	if u.opts.Concurrency > 1 {
		parts, err = u.uploadPartsConcurrent(ctx, key, uploadID, r, size)
	} else {
		parts, err = u.uploadPartsSerial(ctx, key, uploadID, r, size)
	}
	if err == nil {
		if cerr := u.store.CompleteMultipartUpload(ctx, key, uploadID, parts); cerr != nil {
			err = &TransportError{Op: OpCompleteMultipart, Key: key, UploadID: uploadID, Err: cerr}
		}
	}
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, Err: err}
		}
		u.abort(ctx, te)
		return nil, te
	}

	return &Report{
		Strategy:   StrategyMultipart,
		Key:        key,
		UploadID:   uploadID,
		Parts:      parts,
		TotalBytes: size,
	}, nil
}

// partCount returns the number of parts size splits into.
func (u *Uploader) partCount(size int64) int {
	return int((size + u.opts.MinPartSize - 1) / u.opts.MinPartSize)
}

func (u *Uploader) uploadPartsSerial(ctx context.Context, key, uploadID string, r io.Reader, size int64) ([]storage.CompletedPart, error) {
	parts := make([]storage.CompletedPart, 0, u.partCount(size))
	buf := make([]byte, u.opts.MinPartSize)

	remaining := size
	for partNumber := 1; remaining > 0; partNumber++ {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
		}

		chunk := min(u.opts.MinPartSize, remaining)
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return nil, &TransportError{Op: OpReadSource, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
		}

		etag, err := u.store.UploadPart(ctx, key, uploadID, partNumber, bytes.NewReader(buf[:chunk]), chunk)
		if err != nil {
			return nil, &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
		}

		parts = append(parts, storage.CompletedPart{PartNumber: partNumber, ETag: etag})
		remaining -= chunk
		u.emitPart(ctx, key, uploadID, partNumber, etag, chunk)
	}
	return parts, nil
}

// uploadPartsConcurrent reads parts on the calling goroutine, numbering them
// in read order, and uploads up to Concurrency of them at once. At most
// Concurrency+1 part buffers exist at any time.
func (u *Uploader) uploadPartsConcurrent(ctx context.Context, key, uploadID string, r io.Reader, size int64) ([]storage.CompletedPart, error) {
	limit := u.opts.Concurrency
	parts := make([]storage.CompletedPart, u.partCount(size))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	// Only this goroutine allocates; workers hand buffers back through free.
	allocated := 0
	free := make(chan []byte, limit+1)
	getBuffer := func() []byte {
		if allocated < limit+1 {
			allocated++
			return make([]byte, u.opts.MinPartSize)
		}
		return <-free
	}

	var dispatchErr error
	remaining := size
	for partNumber := 1; remaining > 0; partNumber++ {
		if err := gctx.Err(); err != nil {
			if ctx.Err() != nil {
				dispatchErr = &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: ctx.Err()}
			}
			break
		}

		chunk := min(u.opts.MinPartSize, remaining)
		buf := getBuffer()
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			dispatchErr = &TransportError{Op: OpReadSource, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
			break
		}
		remaining -= chunk

		g.Go(func() error {
			defer func() { free <- buf }()

			// A part still waiting for a slot when another part fails is
			// dropped here; the group keeps the first failure.
			if err := gctx.Err(); err != nil {
				return &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
			}
			etag, err := u.store.UploadPart(gctx, key, uploadID, partNumber, bytes.NewReader(buf[:chunk]), chunk)
			if err != nil {
				return &TransportError{Op: OpUploadPart, Key: key, UploadID: uploadID, PartNumber: partNumber, Err: err}
			}
			parts[partNumber-1] = storage.CompletedPart{PartNumber: partNumber, ETag: etag}
			u.emitPart(gctx, key, uploadID, partNumber, etag, chunk)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	return parts, nil
}

// abort finalizes a failed session and records the outcome on te.
func (u *Uploader) abort(ctx context.Context, te *TransportError) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.AbortTimeout)
	defer cancel()

	if err := u.store.AbortMultipartUpload(abortCtx, te.Key, te.UploadID); err != nil {
		te.Cleanup = CleanupAbortFailed
		te.AbortErr = err
		u.logger.ErrorContext(ctx, "failed to abort multipart upload",
			slog.String("key", te.Key),
			slog.String("upload_id", te.UploadID),
			slog.String("error", err.Error()),
			slog.String("cause", te.Err.Error()),
		)
		return
	}
	te.Cleanup = CleanupAborted
}

func (u *Uploader) emitPart(ctx context.Context, key, uploadID string, partNumber int, etag string, n int64) {
	u.emit(ctx, events.Event{
		Type:       events.TypeUploadPart,
		Key:        key,
		Strategy:   string(StrategyMultipart),
		UploadID:   uploadID,
		PartNumber: partNumber,
		ETag:       etag,
		Bytes:      n,
	})
}

func (u *Uploader) emit(ctx context.Context, ev events.Event) {
	if ev.Bucket == "" {
		ev.Bucket = u.opts.Bucket
	}
	ev.Timestamp = u.now()
	u.observer.Observe(ctx, ev)
}
