package ringbuf

import (
	"fmt"
	"io"
)

// Snapshot is a frozen, read-only view of a Buffer.
type Snapshot struct {
	data        []byte
	start       int64
	end         int64
	descriptors []FrameDescriptor
}

// Start returns the oldest retained absolute offset.
func (s *Snapshot) Start() int64 { return s.start }

// End returns the absolute write position at freeze time.
func (s *Snapshot) End() int64 { return s.end }

// Descriptors returns the retained frame descriptors in offset order.
func (s *Snapshot) Descriptors() []FrameDescriptor {
	out := make([]FrameDescriptor, len(s.descriptors))
	copy(out, s.descriptors)
	return out
}

// EarliestHeaderOffset returns the smallest retained SPS header offset, or
// ErrNoResumableStart.
func (s *Snapshot) EarliestHeaderOffset() (int64, error) {
	return earliestHeader(s.descriptors)
}

// NewReader returns a single-pass reader over [offset, End()).
func (s *Snapshot) NewReader(offset int64) (*Reader, error) {
	if offset < s.start || offset > s.end {
		return nil, fmt.Errorf("%w: offset %d, retained [%d, %d)", ErrOffsetEvicted, offset, s.start, s.end)
	}
	return &Reader{snap: s, pos: offset}, nil
}

// Bytes materializes [offset, End()) into a new slice.
func (s *Snapshot) Bytes(offset int64) ([]byte, error) {
	r, err := s.NewReader(offset)
	if err != nil {
		return nil, err
	}
	out := make([]byte, r.Len())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return out, nil
}

// Reader streams bytes out of a Snapshot. It is not restartable.
type Reader struct {
	snap *Snapshot
	pos  int64
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int64 {
	return r.snap.end - r.pos
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.snap.end {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	capacity := int64(len(r.snap.data))
	idx := r.pos % capacity
	// Contiguous run up to the end of the ring or the end of data.
	run := capacity - idx
	if remaining := r.snap.end - r.pos; remaining < run {
		run = remaining
	}
	if int64(len(p)) < run {
		run = int64(len(p))
	}

	n := copy(p, r.snap.data[idx:idx+run])
	r.pos += int64(n)
	return n, nil
}
