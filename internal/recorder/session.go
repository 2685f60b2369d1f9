// Package recorder runs one loop recording: it feeds a capture source into the
// ring buffer until asked to stop, then freezes the buffer and uploads the
// retained window.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/loopcam/internal/capture"
	"github.com/jmylchreest/loopcam/internal/observability"
	"github.com/jmylchreest/loopcam/internal/ringbuf"
	"github.com/jmylchreest/loopcam/internal/upload"
)

// State is the lifecycle state of a Session.
type State string

// Session states.
const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stop reasons.
const (
	ReasonSignal   = "signal"
	ReasonAPI      = "api"
	ReasonDuration = "duration"
	ReasonEOF      = "end_of_input"
)

// ErrCaptureFailed wraps capture errors. Nothing is uploaded when capture
// fails.
var ErrCaptureFailed = errors.New("capture failed")

// Config configures a Session.
type Config struct {
	// Key is the object key the loop is uploaded to.
	Key string
	// Buffer sizes the ring.
	Buffer ringbuf.Config
	// Duration stops the recording automatically. Zero records until Stop.
	Duration time.Duration
}

// Status is a point-in-time view of a Session.
type Status struct {
	SessionID  string               `json:"session_id"`
	Key        string               `json:"key"`
	State      State                `json:"state"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	StoppedAt  *time.Time           `json:"stopped_at,omitempty"`
	StopReason string               `json:"stop_reason,omitempty"`
	Buffer     ringbuf.Stats        `json:"buffer"`
	Capture    *capture.SourceStats `json:"capture,omitempty"`
	Upload     *upload.Report       `json:"upload,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Session records one loop. A Session runs once.
type Session struct {
	id       string
	cfg      Config
	source   capture.Source
	buffer   *ringbuf.Buffer
	uploader *upload.Uploader
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	state      State
	startedAt  time.Time
	stoppedAt  time.Time
	stopReason string
	report     *upload.Report
	err        error
}

// New creates a Session.
func New(cfg Config, source capture.Source, uploader *upload.Uploader, logger *slog.Logger) (*Session, error) {
	if cfg.Key == "" {
		return nil, upload.ErrEmptyKey
	}
	if source == nil || uploader == nil {
		return nil, errors.New("recorder: source and uploader are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		source:   source,
		buffer:   ringbuf.New(cfg.Buffer),
		uploader: uploader,
		logger:   observability.WithSessionID(observability.WithComponent(logger, "recorder"), id),
		stopCh:   make(chan struct{}),
		state:    StateIdle,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Stop ends capture and starts the upload. It reports whether this call was
// the one that stopped the session.
func (s *Session) Stop(reason string) bool {
	stopped := false
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		close(s.stopCh)
		stopped = true
	})
	return stopped
}

// Run records until Stop is called, the duration elapses or the source ends,
// then uploads the retained window. Cancelling ctx abandons the session,
// including an upload in progress.
func (s *Session) Run(ctx context.Context) (*upload.Report, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s already ran", s.id)
	}
	s.state = StateRecording
	s.startedAt = time.Now()
	s.mu.Unlock()

	ctx = observability.ContextWithSessionID(ctx, s.id)
	s.logger.InfoContext(ctx, "recording started",
		slog.String("key", s.cfg.Key),
		slog.Int("buffer_capacity", s.cfg.Buffer.CapacityBytes()),
	)

	if err := s.capture(ctx); err != nil {
		return nil, s.fail(err)
	}

	snap := s.buffer.Freeze()
	s.mu.Lock()
	s.state = StateUploading
	s.stoppedAt = time.Now()
	reason := s.stopReason
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "recording stopped",
		slog.String("reason", reason),
		slog.Int64("retained_bytes", snap.End()-snap.Start()),
	)

	report, err := s.uploader.Upload(ctx, s.cfg.Key, snap)
	if err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	s.state = StateCompleted
	s.report = report
	s.mu.Unlock()
	return report, nil
}

// capture runs the source until a stop condition. Only source failures are
// returned; a clean end of input counts as a stop.
func (s *Session) capture(ctx context.Context) error {
	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.source.Run(captureCtx, s.buffer)
	}()

	var timeout <-chan time.Time
	if s.cfg.Duration > 0 {
		timer := time.NewTimer(s.cfg.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.stopCh:
	case <-timeout:
		s.Stop(ReasonDuration)
	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		}
		s.Stop(ReasonEOF)
		return nil
	}

	cancel()
	if err := <-errCh; err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	if s.stoppedAt.IsZero() {
		s.stoppedAt = time.Now()
	}
	s.mu.Unlock()
	return err
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		SessionID:  s.id,
		Key:        s.cfg.Key,
		State:      s.state,
		StopReason: s.stopReason,
		Upload:     s.report,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		st.StoppedAt = &t
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.RUnlock()

	st.Buffer = s.buffer.Stats()
	if p, ok := s.source.(capture.StatsProvider); ok {
		cs := p.Stats()
		st.Capture = &cs
	}
	return st
}
