package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmylchreest/loopcam/internal/codec"
	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/ffmpeg"
)

// FFmpegConfig configures a camera capture through ffmpeg.
type FFmpegConfig struct {
	FFmpegPath  string // empty = search LOOPCAM_FFMPEG_BINARY, ./ffmpeg, PATH
	Device      string
	InputFormat string
	Encoder     codec.Encoder
	Resolution  Resolution
	Framerate   int
	Bitrate     int
	Quality     int
	// ExtraArgs are appended to the output arguments, e.g. "-x264-params keyint=48".
	ExtraArgs string
}

// FFmpegConfigFrom converts the capture section of the application config.
func FFmpegConfigFrom(cfg config.CaptureConfig) (FFmpegConfig, error) {
	res, err := ResolutionFor(cfg.Resolution)
	if err != nil {
		return FFmpegConfig{}, err
	}
	enc, ok := codec.ParseEncoder(cfg.Encoder)
	if !ok {
		return FFmpegConfig{}, fmt.Errorf("unknown encoder %q", cfg.Encoder)
	}
	return FFmpegConfig{
		FFmpegPath:  cfg.FFmpegPath,
		Device:      cfg.Device,
		InputFormat: cfg.InputFormat,
		Encoder:     enc,
		Resolution:  res,
		Framerate:   cfg.Framerate,
		Bitrate:     cfg.Bitrate,
		Quality:     cfg.Quality,
		ExtraArgs:   cfg.ExtraArgs,
	}, nil
}

// FFmpegSource captures from a V4L2 device and encodes to an Annex B H.264
// elementary stream on ffmpeg's stdout. The SPS/PPS are repeated in front of
// every key frame and the GOP is one second long, so the ring buffer always
// holds a recent header to start an upload from.
type FFmpegSource struct {
	cfg    FFmpegConfig
	binary string
	logger *slog.Logger

	mu     sync.RWMutex
	cmd    *ffmpeg.Command
	framer *codec.Framer
}

// NewFFmpegSource resolves the ffmpeg binary and returns a source.
func NewFFmpegSource(cfg FFmpegConfig, logger *slog.Logger) (*FFmpegSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Framerate < 1 {
		return nil, fmt.Errorf("framerate must be at least 1, got %d", cfg.Framerate)
	}
	binary, err := ffmpeg.FindBinary(cfg.FFmpegPath, "ffmpeg", ffmpeg.BinaryEnvVar)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}
	return &FFmpegSource{cfg: cfg, binary: binary, logger: logger}, nil
}

// Command builds the ffmpeg invocation.
func (s *FFmpegSource) Command() *ffmpeg.Command {
	fps := strconv.Itoa(s.cfg.Framerate)

	return ffmpeg.NewCommandBuilder(s.binary).
		LogLevel("warning").
		HideBanner().
		NoStdin().
		Stats().
		InputFormat(s.cfg.InputFormat).
		InputArgs("-framerate", fps, "-video_size", s.cfg.Resolution.String()).
		Input(s.cfg.Device).
		OutputArgs("-an", "-pix_fmt", "yuv420p").
		OutputArgs(codec.EncoderArgs(s.cfg.Encoder, s.cfg.Quality, s.cfg.Bitrate)...).
		OutputArgs("-g", fps, "-bsf:v", "dump_extra=freq=keyframe").
		ApplyCustomOptions(s.cfg.ExtraArgs).
		OutputArgs("-f", "h264").
		Output("-").
		Logger(s.logger).
		Build()
}

// Run starts ffmpeg and frames its output into sink until ctx is cancelled.
func (s *FFmpegSource) Run(ctx context.Context, sink codec.FrameSink) error {
	cmd := s.Command()
	framer := codec.NewFramer(sink)
	framer.OnStreamInfo(func(info codec.StreamInfo) {
		s.logger.InfoContext(ctx, "stream parameters detected",
			slog.Int("width", info.Width),
			slog.Int("height", info.Height),
			slog.Float64("fps", info.FrameRate),
			slog.Int("profile_idc", int(info.ProfileID)),
		)
	})

	s.mu.Lock()
	s.cmd = cmd
	s.framer = framer
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "starting ffmpeg capture", slog.String("command", cmd.String()))

	if err := cmd.StreamToWriter(ctx, framer); err != nil {
		return fmt.Errorf("capturing from %s: %w", s.cfg.Device, err)
	}
	if err := framer.Flush(); err != nil {
		return fmt.Errorf("flushing capture: %w", err)
	}
	return nil
}

// Stats reports framing and process figures for the current run.
func (s *FFmpegSource) Stats() SourceStats {
	s.mu.RLock()
	cmd, framer := s.cmd, s.framer
	s.mu.RUnlock()

	var stats SourceStats
	if framer != nil {
		stats.Framer = framer.Stats()
		if info, ok := framer.StreamInfo(); ok {
			stats.Stream = &info
		}
	}
	if cmd != nil {
		p := cmd.Progress()
		stats.Progress = &p
		stats.Process = cmd.ProcessStats()
	}
	return stats
}
