package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/loopcam/internal/ringbuf"
)

// FrameSink receives classified units in stream order. The data slice is only
// valid for the duration of the call.
type FrameSink interface {
	Append(data []byte, ft ringbuf.FrameType) error
}

// Classify maps an H.264 NAL unit header byte to a buffer frame type.
func Classify(header byte) ringbuf.FrameType {
	switch h264.NALUType(header & 0x1F) {
	case h264.NALUTypeSPS:
		return ringbuf.FrameTypeSPSHeader
	case h264.NALUTypeIDR:
		return ringbuf.FrameTypeKeyFrame
	default:
		return ringbuf.FrameTypeFrame
	}
}

var startCode = []byte{0x00, 0x00, 0x01}

// findStartCode returns the position and length of the first Annex B start
// code at or after from, or -1.
func findStartCode(buf []byte, from int) (int, int) {
	if from >= len(buf) {
		return -1, 0
	}
	j := bytes.Index(buf[from:], startCode)
	if j < 0 {
		return -1, 0
	}
	j += from
	if j > 0 && buf[j-1] == 0x00 {
		return j - 1, 4
	}
	return j, 3
}

// FramerStats counts emitted units.
type FramerStats struct {
	Units     uint64 `json:"units"`
	Headers   uint64 `json:"headers"`
	KeyFrames uint64 `json:"key_frames"`
	Bytes     int64  `json:"bytes"`
}

// Framer splits an Annex B byte stream, delivered in arbitrary chunks, into NAL
// units (start code included) and forwards each one to a FrameSink. The bytes
// handed to the sink concatenate back to exactly the bytes written.
//
// Framer implements io.Writer so it can sit at the end of an io.Copy.
type Framer struct {
	sink FrameSink

	pending  []byte
	scanFrom int
	// headerAt is the index of the NAL header byte of the unit at the head of
	// pending, or -1 for bytes preceding the first start code.
	headerAt int

	mu      sync.Mutex
	stats   FramerStats
	info    *StreamInfo
	onFirst func(StreamInfo)
}

// NewFramer creates a framer that forwards to sink.
func NewFramer(sink FrameSink) *Framer {
	return &Framer{
		sink:     sink,
		pending:  make([]byte, 0, 64*1024),
		headerAt: -1,
	}
}

// OnStreamInfo registers a callback invoked once, for the first SPS that
// parses.
func (f *Framer) OnStreamInfo(fn func(StreamInfo)) {
	f.onFirst = fn
}

// Write implements io.Writer.
func (f *Framer) Write(p []byte) (int, error) {
	f.pending = append(f.pending, p...)
	if err := f.drain(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *Framer) drain() error {
	for {
		s, scLen := findStartCode(f.pending, f.scanFrom)
		if s < 0 {
			// A start code may straddle the next chunk.
			if n := len(f.pending) - 3; n > f.scanFrom {
				f.scanFrom = n
			}
			return nil
		}
		if s > 0 {
			if err := f.emit(f.pending[:s]); err != nil {
				return err
			}
			f.pending = append(f.pending[:0], f.pending[s:]...)
		}
		f.headerAt = scLen
		f.scanFrom = scLen
	}
}

// Flush emits whatever is buffered as the final unit.
func (f *Framer) Flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	err := f.emit(f.pending)
	f.pending = f.pending[:0]
	f.scanFrom = 0
	f.headerAt = -1
	return err
}

func (f *Framer) emit(unit []byte) error {
	ft := ringbuf.FrameTypeFrame
	if f.headerAt >= 0 && len(unit) > f.headerAt {
		ft = Classify(unit[f.headerAt])
	}

	f.mu.Lock()
	f.stats.Units++
	f.stats.Bytes += int64(len(unit))
	switch ft {
	case ringbuf.FrameTypeSPSHeader:
		f.stats.Headers++
	case ringbuf.FrameTypeKeyFrame:
		f.stats.KeyFrames++
	}
	first := false
	if ft == ringbuf.FrameTypeSPSHeader && f.info == nil {
		if info, err := ProbeSPS(unit[f.headerAt:]); err == nil {
			f.info = &info
			first = true
		}
	}
	info := f.info
	f.mu.Unlock()

	if first && f.onFirst != nil {
		f.onFirst(*info)
	}

	if err := f.sink.Append(unit, ft); err != nil {
		return fmt.Errorf("appending %s: %w", ft, err)
	}
	return nil
}

// Stats returns a copy of the framer counters.
func (f *Framer) Stats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// StreamInfo returns the parameters of the first SPS seen, if any.
func (f *Framer) StreamInfo() (StreamInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return StreamInfo{}, false
	}
	return *f.info, true
}
