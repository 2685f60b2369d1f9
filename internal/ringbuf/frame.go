package ringbuf

import "errors"

// FrameType classifies a unit of encoded data appended to the buffer.
type FrameType int

const (
	// FrameTypeFrame is ordinary encoded data (slices, PPS, SEI, ...).
	FrameTypeFrame FrameType = iota
	// FrameTypeKeyFrame is an IDR picture.
	FrameTypeKeyFrame
	// FrameTypeSPSHeader marks a sequence parameter set. Decoding can start here.
	FrameTypeSPSHeader
	// FrameTypeMotionData is encoder side data. It is never a boundary.
	FrameTypeMotionData
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameTypeFrame:
		return "frame"
	case FrameTypeKeyFrame:
		return "key_frame"
	case FrameTypeSPSHeader:
		return "sps_header"
	case FrameTypeMotionData:
		return "motion_data"
	default:
		return "unknown"
	}
}

// IsBoundary reports whether frames of this type get a descriptor.
func (t FrameType) IsBoundary() bool {
	return t == FrameTypeKeyFrame || t == FrameTypeSPSHeader
}

// FrameDescriptor records where a boundary frame starts in the stream.
type FrameDescriptor struct {
	// Offset is the absolute stream position of the first byte of the frame.
	Offset int64
	// Type is the frame type.
	Type FrameType
	// Index is the append order of the frame.
	Index uint64
}

var (
	// ErrBufferFrozen is returned when appending to a frozen buffer.
	ErrBufferFrozen = errors.New("frame buffer frozen")

	// ErrNoResumableStart is returned when no SPS header is retained.
	ErrNoResumableStart = errors.New("no resumable start frame in buffer")

	// ErrOffsetEvicted is returned when reading from an offset whose bytes
	// have been overwritten (or that lies past the write position).
	ErrOffsetEvicted = errors.New("offset not retained in buffer")
)
