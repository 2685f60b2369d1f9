package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/loopcam/internal/capture"
	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/observability"
	"github.com/jmylchreest/loopcam/internal/scheduler"
	"github.com/jmylchreest/loopcam/internal/upload"
)

// snapTimeLayout names repeated snaps. It sorts lexically and is safe in keys.
const snapTimeLayout = "20060102T150405Z"

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Take a still snap and upload it",
	Long: `Count down, capture a single JPEG frame and upload it.

With --cron the snap repeats on a schedule until interrupted and every object
key gets a UTC timestamp suffix. Schedules take six fields (seconds first),
five fields, or descriptors such as "@every 10m".

Example:
  loopcam snap -r 720 -o test
  loopcam snap --cron "0 */5 * * * *" -o garden`,
	RunE: runSnap,
}

func init() {
	f := snapCmd.Flags()
	f.StringP("output", "o", "test", "the name (without format suffix) for the snap")
	f.StringP("storage", "s", "", "the storage destination (s3, filesystem)")
	f.IntP("resolution", "r", 0, "the resolution for the snap (360, 480, 720, 1080)")
	f.String("device", "", "the capture device")
	f.Duration("countdown", 0, "countdown before the capture")
	f.String("cron", "", "repeat the snap on this cron schedule")

	rootCmd.AddCommand(snapCmd)
}

func applySnapFlags(cfg *config.Config, cmd *cobra.Command) error {
	if err := applyCaptureFlags(cfg, cmd); err != nil {
		return err
	}
	f := cmd.Flags()
	if err := changedDuration(f, "countdown", &cfg.Snap.Countdown); err != nil {
		return err
	}
	return changedString(f, "cron", &cfg.Snap.Cron)
}

func runSnap(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, applySnapFlags)
	if err != nil {
		return err
	}
	defer logger.Info("Exiting. Have a nice day!")

	name, _ := cmd.Flags().GetString("output")
	if err := snap(cmd.Context(), cfg, logger, name); err != nil {
		logger.Error("Snap failed", slog.Any("error", err))
		return err
	}
	return nil
}

func snap(parent context.Context, cfg *config.Config, logger *slog.Logger, name string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, logger, "image/jpeg")
	if err != nil {
		return err
	}
	defer a.Close()

	ffcfg, err := capture.FFmpegConfigFrom(cfg.Capture)
	if err != nil {
		return err
	}
	camera, err := capture.NewStillCapturer(ffcfg, logger)
	if err != nil {
		return fmt.Errorf("creating still capturer: %w", err)
	}

	if cfg.Snap.Cron == "" {
		return takeSnap(ctx, logger, camera, a.uploader, cfg.Snap.Countdown, cfg.Upload.SnapKey(name))
	}

	sched := scheduler.New(logger)
	err = sched.Add("snap", cfg.Snap.Cron, func(ctx context.Context) error {
		key := cfg.Upload.SnapKey(name + "-" + time.Now().UTC().Format(snapTimeLayout))
		return takeSnap(ctx, logger, camera, a.uploader, 0, key)
	})
	if err != nil {
		return err
	}
	next, _ := sched.NextRun(cfg.Snap.Cron, time.Now())
	logger.Info("snap schedule started, use Ctrl + C to end",
		slog.String("cron", cfg.Snap.Cron),
		slog.Time("next", next))

	if err := sched.Run(ctx); err != nil {
		return err
	}
	for _, st := range sched.Stats() {
		logger.Info("snap schedule stopped",
			slog.Int("snaps", st.Runs),
			slog.Int("failures", st.Failures),
			slog.Int("skipped", st.Skipped))
	}
	return nil
}

// takeSnap logs a countdown one second at a time, captures one frame and
// uploads it to key.
func takeSnap(ctx context.Context, logger *slog.Logger, camera *capture.StillCapturer, uploader *upload.Uploader, countdown time.Duration, key string) (err error) {
	if err := countdownLog(ctx, logger, countdown, "Snap!"); err != nil {
		return err
	}
	defer observability.TimedOperationWithError(ctx, logger, "snap", &err)()

	img, err := camera.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capturing still: %w", err)
	}

	logger.Info("Uploading snap...", slog.String("key", key), slog.String("size", humanize.IBytes(uint64(len(img)))))
	if _, err = uploader.UploadBytes(ctx, key, img); err != nil {
		return fmt.Errorf("uploading snap: %w", err)
	}
	logger.Info("Upload complete", slog.String("key", key))
	return nil
}

// countdownLog logs "N..." once a second for the whole seconds in d, then
// logs done.
func countdownLog(ctx context.Context, logger *slog.Logger, d time.Duration, done string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for n := int(d / time.Second); n > 0; n-- {
		logger.Info(fmt.Sprintf("%d...", n))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	logger.Info(done)
	return nil
}
