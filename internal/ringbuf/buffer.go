// Package ringbuf holds the most recent window of encoded video in a fixed
// size byte ring and tracks where header and key frames start, so that an
// upload can begin at a point a decoder can resume from.
//
// The buffer has a single writer (the capture source). Once capture stops the
// writer calls Freeze and hands the returned Snapshot to exactly one reader.
package ringbuf

import (
	"sync"
	"time"
)

// Config configures the frame buffer.
type Config struct {
	// Capacity is the ring size in bytes. When zero it is derived from
	// Window and Bitrate.
	Capacity int
	// Window is the amount of video to keep.
	Window time.Duration
	// Bitrate is the encoder bitrate in bits per second.
	Bitrate int
}

// DefaultConfig returns a 10 second window at 17 Mbit/s.
func DefaultConfig() Config {
	return Config{
		Window:  10 * time.Second,
		Bitrate: 17_000_000,
	}
}

// minCapacity keeps tiny windows usable.
const minCapacity = 64 * 1024

// CapacityBytes returns the ring size implied by the config.
func (c Config) CapacityBytes() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	size := int(int64(c.Bitrate) / 8 * int64(c.Window/time.Second))
	if size < minCapacity {
		return minCapacity
	}
	return size
}

// Buffer is a circular byte buffer with frame boundary descriptors.
type Buffer struct {
	mu sync.RWMutex

	data    []byte
	written int64 // absolute write position
	frames  uint64
	frozen  bool

	descriptors []FrameDescriptor

	evictedBytes       int64
	evictedDescriptors uint64
}

// New creates a frame buffer.
func New(config Config) *Buffer {
	return &Buffer{
		data:        make([]byte, config.CapacityBytes()),
		descriptors: make([]FrameDescriptor, 0, 256),
	}
}

// Append adds encoded data to the ring. A descriptor is recorded when ft is a
// header or key frame. Once capacity is exceeded the oldest bytes are
// overwritten, and descriptors pointing into them are dropped.
func (b *Buffer) Append(data []byte, ft FrameType) error {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return ErrBufferFrozen
	}

	offset := b.written
	b.frames++
	if ft.IsBoundary() {
		b.descriptors = append(b.descriptors, FrameDescriptor{
			Offset: offset,
			Type:   ft,
			Index:  b.frames,
		})
	}

	capacity := int64(len(b.data))
	src := data
	if int64(len(src)) > capacity {
		// Only the tail survives; account for the head as written-then-evicted.
		src = src[int64(len(src))-capacity:]
	}
	pos := int((b.written + int64(len(data)-len(src))) % capacity)
	n := copy(b.data[pos:], src)
	if n < len(src) {
		copy(b.data, src[n:])
	}

	b.written += int64(len(data))
	b.evictLocked()

	return nil
}

// evictLocked drops descriptors whose first byte has been overwritten.
func (b *Buffer) evictLocked() {
	start := b.retainedStartLocked()
	if start > 0 {
		b.evictedBytes = start
	}

	drop := 0
	for drop < len(b.descriptors) && b.descriptors[drop].Offset < start {
		drop++
	}
	if drop > 0 {
		b.descriptors = b.descriptors[drop:]
		b.evictedDescriptors += uint64(drop)
	}
}

// retainedStartLocked returns the oldest absolute offset still in the ring.
func (b *Buffer) retainedStartLocked() int64 {
	start := b.written - int64(len(b.data))
	if start < 0 {
		return 0
	}
	return start
}

// Freeze stops further appends and returns a read-only view of the buffer.
// Calling Freeze more than once returns equivalent snapshots.
func (b *Buffer) Freeze() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true

	descriptors := make([]FrameDescriptor, len(b.descriptors))
	copy(descriptors, b.descriptors)

	return &Snapshot{
		data:        b.data,
		start:       b.retainedStartLocked(),
		end:         b.written,
		descriptors: descriptors,
	}
}

// IsFrozen reports whether Freeze has been called.
func (b *Buffer) IsFrozen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frozen
}

// EarliestHeaderOffset returns the smallest retained SPS header offset.
func (b *Buffer) EarliestHeaderOffset() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return earliestHeader(b.descriptors)
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Capacity:           len(b.data),
		TotalBytesWritten:  b.written,
		RetainedStart:      b.retainedStartLocked(),
		Frames:             b.frames,
		EvictedBytes:       b.evictedBytes,
		EvictedDescriptors: b.evictedDescriptors,
		Frozen:             b.frozen,
	}
	stats.RetainedBytes = b.written - stats.RetainedStart
	for _, d := range b.descriptors {
		switch d.Type {
		case FrameTypeSPSHeader:
			stats.Headers++
		case FrameTypeKeyFrame:
			stats.KeyFrames++
		}
	}
	if off, err := earliestHeader(b.descriptors); err == nil {
		stats.EarliestHeader = &off
	}
	return stats
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity           int    `json:"capacity"`
	RetainedBytes      int64  `json:"retained_bytes"`
	RetainedStart      int64  `json:"retained_start"`
	TotalBytesWritten  int64  `json:"total_bytes_written"`
	Frames             uint64 `json:"frames"`
	Headers            int    `json:"headers"`
	KeyFrames          int    `json:"key_frames"`
	EarliestHeader     *int64 `json:"earliest_header,omitempty"`
	EvictedBytes       int64  `json:"evicted_bytes"`
	EvictedDescriptors uint64 `json:"evicted_descriptors"`
	Frozen             bool   `json:"frozen"`
}

func earliestHeader(descriptors []FrameDescriptor) (int64, error) {
	// Descriptors are ordered by offset, so the first header is the earliest.
	for _, d := range descriptors {
		if d.Type == FrameTypeSPSHeader {
			return d.Offset, nil
		}
	}
	return 0, ErrNoResumableStart
}
