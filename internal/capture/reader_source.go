package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/loopcam/internal/codec"
)

const defaultChunkSize = 32 * 1024

// ReaderSource replays a recorded Annex B stream, for example an .h264 file
// produced by an earlier upload. It is used for dry runs without a camera.
type ReaderSource struct {
	open func() (io.ReadCloser, error)

	// ChunkSize is the read size. Defaults to 32 KiB.
	ChunkSize int
	// Interval paces reads; zero replays as fast as the sink accepts.
	Interval time.Duration
	// Loop restarts from the beginning at end of input until ctx is done.
	Loop bool

	mu     sync.RWMutex
	framer *codec.Framer
}

// NewReaderSource replays r once. Loop has no effect since r cannot be
// rewound.
func NewReaderSource(r io.Reader) *ReaderSource {
	used := false
	return &ReaderSource{open: func() (io.ReadCloser, error) {
		if used {
			return nil, io.EOF
		}
		used = true
		return io.NopCloser(r), nil
	}}
}

// NewFileSource replays the file at path.
func NewFileSource(path string) (*ReaderSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	return &ReaderSource{open: func() (io.ReadCloser, error) {
		return os.Open(path)
	}}, nil
}

// Run feeds the input into sink until it ends or ctx is cancelled.
func (s *ReaderSource) Run(ctx context.Context, sink codec.FrameSink) error {
	framer := codec.NewFramer(sink)
	s.mu.Lock()
	s.framer = framer
	s.mu.Unlock()

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	buf := make([]byte, chunk)

	var tick <-chan time.Time
	if s.Interval > 0 {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		rc, err := s.open()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("opening replay input: %w", err)
		}
		stopped, err := s.replay(ctx, rc, framer, buf, tick)
		_ = rc.Close()
		if err != nil {
			return err
		}
		if stopped || !s.Loop {
			break
		}
	}

	if err := framer.Flush(); err != nil {
		return fmt.Errorf("flushing replay: %w", err)
	}
	return nil
}

// replay copies one pass of rc. It reports whether ctx ended the pass.
func (s *ReaderSource) replay(ctx context.Context, rc io.Reader, framer *codec.Framer, buf []byte, tick <-chan time.Time) (bool, error) {
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return true, nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return true, nil
		}

		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := framer.Write(buf[:n]); werr != nil {
				return false, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading replay input: %w", err)
		}
	}
}

// Stats reports framing figures for the current run.
func (s *ReaderSource) Stats() SourceStats {
	s.mu.RLock()
	framer := s.framer
	s.mu.RUnlock()

	var stats SourceStats
	if framer != nil {
		stats.Framer = framer.Stats()
		if info, ok := framer.StreamInfo(); ok {
			stats.Stream = &info
		}
	}
	return stats
}
