package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// StreamInfo describes a video stream as announced by its SPS.
type StreamInfo struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate,omitempty"`
	ProfileID uint8   `json:"profile_id"`
	LevelID   uint8   `json:"level_id"`
}

// ProbeSPS parses an SPS NAL unit (without start code).
func ProbeSPS(nal []byte) (StreamInfo, error) {
	var sps h264.SPS
	if err := sps.Unmarshal(nal); err != nil {
		return StreamInfo{}, fmt.Errorf("parsing H.264 SPS: %w", err)
	}
	return StreamInfo{
		Width:     sps.Width(),
		Height:    sps.Height(),
		FrameRate: sps.FPS(),
		ProfileID: sps.ProfileIdc,
		LevelID:   sps.LevelIdc,
	}, nil
}
