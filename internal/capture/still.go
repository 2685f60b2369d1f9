package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/loopcam/internal/ffmpeg"
)

// ErrNotJPEG is returned when ffmpeg produced something other than a JPEG.
var ErrNotJPEG = errors.New("capture did not produce a JPEG image")

var jpegSOI = []byte{0xFF, 0xD8}

// StillCapturer grabs single JPEG frames from the camera.
type StillCapturer struct {
	binary      string
	device      string
	inputFormat string
	resolution  Resolution
	logger      *slog.Logger
}

// NewStillCapturer resolves the ffmpeg binary and returns a capturer for the
// device configured in cfg.
func NewStillCapturer(cfg FFmpegConfig, logger *slog.Logger) (*StillCapturer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	binary, err := ffmpeg.FindBinary(cfg.FFmpegPath, "ffmpeg", ffmpeg.BinaryEnvVar)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}
	return &StillCapturer{
		binary:      binary,
		device:      cfg.Device,
		inputFormat: cfg.InputFormat,
		resolution:  cfg.Resolution,
		logger:      logger,
	}, nil
}

// Command builds the ffmpeg invocation for one frame.
func (c *StillCapturer) Command() *ffmpeg.Command {
	return ffmpeg.NewCommandBuilder(c.binary).
		HideBanner().
		NoStdin().
		InputFormat(c.inputFormat).
		InputArgs("-video_size", c.resolution.String()).
		Input(c.device).
		OutputArgs("-frames:v", "1", "-c:v", "mjpeg", "-q:v", "2", "-f", "image2pipe").
		Output("-").
		Logger(c.logger).
		Build()
}

// Capture returns one JPEG frame.
func (c *StillCapturer) Capture(ctx context.Context) ([]byte, error) {
	cmd := c.Command()
	c.logger.DebugContext(ctx, "capturing still", slog.String("command", cmd.String()))

	img, err := cmd.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing still from %s: %w", c.device, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(img, jpegSOI) {
		return nil, fmt.Errorf("%w (%d bytes)", ErrNotJPEG, len(img))
	}
	return img, nil
}
