package upload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmylchreest/loopcam/internal/ringbuf"
)

var (
	// ErrNoResumableStart is returned when the snapshot holds no SPS header
	// and fallback to the oldest byte is disabled.
	ErrNoResumableStart = ringbuf.ErrNoResumableStart

	// ErrAbortFailed matches a TransportError whose abort call also failed.
	// errors.Is reports it without hiding the primary cause.
	ErrAbortFailed = errors.New("multipart abort failed")

	// ErrEmptyKey is returned when no object key is given.
	ErrEmptyKey = errors.New("object key is required")
)

// Cleanup describes what happened to a failed multipart session.
type Cleanup int

const (
	// CleanupNone means there was no session to clean up: single-shot uploads
	// and failed session creation.
	CleanupNone Cleanup = iota
	// CleanupAborted means the session was aborted.
	CleanupAborted
	// CleanupAbortFailed means the abort call failed and the session may still
	// hold parts in the store.
	CleanupAbortFailed
)

// String returns the cleanup outcome name.
func (c Cleanup) String() string {
	switch c {
	case CleanupNone:
		return "none"
	case CleanupAborted:
		return "aborted"
	case CleanupAbortFailed:
		return "abort_failed"
	default:
		return "unknown"
	}
}

// Operations reported in TransportError.Op.
const (
	OpPutObject         = "put_object"
	OpCreateMultipart   = "create_multipart_upload"
	OpUploadPart        = "upload_part"
	OpCompleteMultipart = "complete_multipart_upload"
	OpReadSource        = "read_source"
)

// TransportError reports a failed store call together with the cleanup
// outcome for the multipart session, if any.
type TransportError struct {
	Op         string
	Key        string
	UploadID   string
	PartNumber int
	Err        error
	Cleanup    Cleanup
	AbortErr   error
}

// Error implements error.
func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Key)
	if e.PartNumber > 0 {
		fmt.Fprintf(&b, " part %d", e.PartNumber)
	}
	if e.UploadID != "" {
		fmt.Fprintf(&b, " (upload %s)", e.UploadID)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	switch e.Cleanup {
	case CleanupAborted:
		b.WriteString("; upload aborted")
	case CleanupAbortFailed:
		fmt.Fprintf(&b, "; abort failed: %v", e.AbortErr)
	}
	return b.String()
}

// Unwrap returns the original cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrAbortFailed for sessions that could not be aborted.
func (e *TransportError) Is(target error) bool {
	return target == ErrAbortFailed && e.Cleanup == CleanupAbortFailed
}
