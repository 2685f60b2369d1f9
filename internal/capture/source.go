// Package capture produces encoded H.264 from a camera (or a recording) and
// pushes it, one NAL unit at a time, into a codec.FrameSink such as the ring
// buffer. It also grabs single JPEG stills.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmylchreest/loopcam/internal/codec"
	"github.com/jmylchreest/loopcam/internal/ffmpeg"
)

// Source pushes encoded units into a sink in capture order until ctx is
// cancelled or the input ends. Cancellation is the normal stop signal and is
// not reported as an error.
type Source interface {
	Run(ctx context.Context, sink codec.FrameSink) error
}

// SourceStats describes a running or finished source.
type SourceStats struct {
	Framer   codec.FramerStats    `json:"framer"`
	Stream   *codec.StreamInfo    `json:"stream,omitempty"`
	Progress *ffmpeg.Progress     `json:"progress,omitempty"`
	Process  *ffmpeg.ProcessStats `json:"process,omitempty"`
}

// StatsProvider is implemented by sources that report SourceStats.
type StatsProvider interface {
	Stats() SourceStats
}

// ErrUnknownResolution is returned for heights outside the resolution table.
var ErrUnknownResolution = errors.New("unknown resolution")

// Resolution is a capture frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String returns the ffmpeg -video_size form, e.g. 640x480.
func (r Resolution) String() string {
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

// resolutions maps the user-facing height to the sensor mode.
var resolutions = map[int]Resolution{
	360:  {Width: 480, Height: 360},
	480:  {Width: 640, Height: 480},
	720:  {Width: 1280, Height: 720},
	1080: {Width: 1920, Height: 1080},
}

// ResolutionFor looks up the frame size for a height.
func ResolutionFor(height int) (Resolution, error) {
	r, ok := resolutions[height]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %d (supported: %v)", ErrUnknownResolution, height, SupportedHeights())
	}
	return r, nil
}

// SupportedHeights returns the heights ResolutionFor accepts, ascending.
func SupportedHeights() []int {
	heights := make([]int, 0, len(resolutions))
	for h := range resolutions {
		heights = append(heights, h)
	}
	sort.Ints(heights)
	return heights
}
