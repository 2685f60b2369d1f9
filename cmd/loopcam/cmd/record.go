package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/loopcam/internal/capture"
	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/control"
	"github.com/jmylchreest/loopcam/internal/recorder"
	"github.com/jmylchreest/loopcam/internal/ringbuf"
	"github.com/jmylchreest/loopcam/internal/storage"
	"github.com/jmylchreest/loopcam/internal/version"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a loop and upload it when stopped",
	Long: `Start a recording that keeps the last loop-length seconds of video in memory.

Press Ctrl+C to stop. The retained window is uploaded starting at the earliest
SPS header it still holds. A second Ctrl+C abandons the upload.

Example:
  loopcam record -o my_file_name -r 480`,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.StringP("output", "o", "", "the name (without format suffix) for the resulting h.264 recording")
	f.StringP("storage", "s", "", "the storage destination (s3, filesystem)")
	f.IntP("resolution", "r", 0, "the resolution for the recording (360, 480, 720, 1080)")
	f.IntP("quality", "q", 0, "the output quality where 40 is lowest and 1 is highest")
	f.IntP("loop-length", "l", 0, "seconds of video to keep in memory (max 60)")
	f.IntP("bitrate", "b", 0, "the bitrate limit in bits per second (max 25000000)")
	f.IntP("framerate", "f", 0, "the framerate for the recording")
	f.String("device", "", "the capture device")
	f.String("encoder", "", "the H.264 encoder (libx264, pi, v4l2m2m, omx, vaapi)")
	f.Duration("duration", 0, "stop automatically after this long (0 records until interrupted)")
	f.String("replay", "", "record from an Annex B .h264 file instead of the camera")
	f.Bool("replay-loop", false, "replay the file until interrupted")
	f.Bool("serve", false, "serve the control API while recording")
	_ = recordCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(recordCmd)
}

// applyCaptureFlags copies explicitly set capture flags onto cfg. Flags a
// command does not define are ignored.
func applyCaptureFlags(cfg *config.Config, cmd *cobra.Command) error {
	f := cmd.Flags()
	for name, dst := range map[string]*int{
		"resolution":  &cfg.Capture.Resolution,
		"quality":     &cfg.Capture.Quality,
		"loop-length": &cfg.Capture.LoopLength,
		"bitrate":     &cfg.Capture.Bitrate,
		"framerate":   &cfg.Capture.Framerate,
	} {
		if err := changedInt(f, name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*string{
		"storage": &cfg.Storage.Handler,
		"device":  &cfg.Capture.Device,
		"encoder": &cfg.Capture.Encoder,
	} {
		if err := changedString(f, name, dst); err != nil {
			return err
		}
	}
	return changedBool(f, "serve", &cfg.Server.Enabled)
}

func changedInt(f *pflag.FlagSet, name string, dst *int) error {
	if f.Lookup(name) == nil || !f.Changed(name) {
		return nil
	}
	v, err := f.GetInt(name)
	if err != nil {
		return fmt.Errorf("reading --%s: %w", name, err)
	}
	*dst = v
	return nil
}

func changedString(f *pflag.FlagSet, name string, dst *string) error {
	if f.Lookup(name) == nil || !f.Changed(name) {
		return nil
	}
	v, err := f.GetString(name)
	if err != nil {
		return fmt.Errorf("reading --%s: %w", name, err)
	}
	*dst = v
	return nil
}

func changedBool(f *pflag.FlagSet, name string, dst *bool) error {
	if f.Lookup(name) == nil || !f.Changed(name) {
		return nil
	}
	v, err := f.GetBool(name)
	if err != nil {
		return fmt.Errorf("reading --%s: %w", name, err)
	}
	*dst = v
	return nil
}

func changedDuration(f *pflag.FlagSet, name string, dst *time.Duration) error {
	if f.Lookup(name) == nil || !f.Changed(name) {
		return nil
	}
	v, err := f.GetDuration(name)
	if err != nil {
		return fmt.Errorf("reading --%s: %w", name, err)
	}
	*dst = v
	return nil
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, applyCaptureFlags)
	if err != nil {
		return err
	}
	defer logger.Info("Exiting. Have a nice day!")

	name, _ := cmd.Flags().GetString("output")
	duration, _ := cmd.Flags().GetDuration("duration")
	replay, _ := cmd.Flags().GetString("replay")
	replayLoop, _ := cmd.Flags().GetBool("replay-loop")

	if err := record(cmd.Context(), cfg, logger, recordOptions{
		Name:       name,
		Duration:   duration,
		Replay:     replay,
		ReplayLoop: replayLoop,
	}); err != nil {
		logger.Error("recording failed", slog.Any("error", err))
		return err
	}
	return nil
}

type recordOptions struct {
	Name       string
	Duration   time.Duration
	Replay     string
	ReplayLoop bool
}

func newSource(cfg *config.Config, logger *slog.Logger, opts recordOptions) (capture.Source, error) {
	if opts.Replay != "" {
		src, err := capture.NewFileSource(opts.Replay)
		if err != nil {
			return nil, err
		}
		src.Loop = opts.ReplayLoop
		if cfg.Capture.Framerate > 0 {
			src.Interval = time.Second / time.Duration(cfg.Capture.Framerate)
		}
		return src, nil
	}

	ffcfg, err := capture.FFmpegConfigFrom(cfg.Capture)
	if err != nil {
		return nil, err
	}
	return capture.NewFFmpegSource(ffcfg, logger)
}

func record(parent context.Context, cfg *config.Config, logger *slog.Logger, opts recordOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, "video/h264")
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := newSource(cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("creating capture source: %w", err)
	}

	session, err := recorder.New(recorder.Config{
		Key: cfg.Upload.VideoKey(opts.Name),
		Buffer: ringbuf.Config{
			Window:  time.Duration(cfg.Capture.LoopLength) * time.Second,
			Bitrate: cfg.Capture.Bitrate,
		},
		Duration: opts.Duration,
	}, src, a.uploader, logger)
	if err != nil {
		return fmt.Errorf("creating recording session: %w", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
			}
			if i == 0 {
				logger.Info("Stream stopped by user")
				session.Stop(recorder.ReasonSignal)
				continue
			}
			logger.Warn("second interrupt, abandoning upload")
			cancel()
			return
		}
	}()

	if cfg.Server.Enabled {
		srv := control.NewServer(cfg.Server, logger, version.Version)
		health := control.NewHealthHandler(version.Version)
		uploads := control.NewUploadHandler(nil)
		if a.db != nil {
			health.WithDB(a.db)
			uploads = control.NewUploadHandler(a.ledger)
		}
		srv.Register(control.Handlers{
			Health:    health,
			Recording: control.NewRecordingHandler(session),
			Uploads:   uploads,
		})

		srvCtx, stopSrv := context.WithCancel(ctx)
		srvDone := make(chan error, 1)
		go func() { srvDone <- srv.ListenAndServe(srvCtx) }()
		defer func() {
			stopSrv()
			if err := <-srvDone; err != nil {
				logger.Warn("control server", slog.Any("error", err))
			}
		}()
	}

	logger.Info("Stream initiated. Use Ctrl + C to end stream",
		slog.String("key", cfg.Upload.VideoKey(opts.Name)),
		slog.Int("resolution", cfg.Capture.Resolution),
		slog.Int("framerate", cfg.Capture.Framerate),
		slog.String("loop_buffer", humanize.IBytes(uint64(cfg.Capture.LoopBytes()))), //nolint:gosec // validated positive
	)

	report, err := session.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && parent.Err() == nil {
			return fmt.Errorf("recording %w", errInterrupted)
		}
		return err
	}

	location := report.Key
	if d, ok := a.store.(storage.Describer); ok {
		location = d.Location(report.Key)
	}
	logger.Info("Upload complete",
		slog.String("key", report.Key),
		slog.String("location", location),
		slog.String("strategy", string(report.Strategy)),
		slog.Int("parts", len(report.Parts)),
		slog.String("size", humanize.IBytes(uint64(report.TotalBytes))), //nolint:gosec // non-negative
		slog.Duration("duration", report.Duration),
	)
	return nil
}
