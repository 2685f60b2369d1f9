package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/database"
	"github.com/jmylchreest/loopcam/internal/ledger"
	"github.com/jmylchreest/loopcam/internal/models"
	"github.com/jmylchreest/loopcam/internal/repository"
	"github.com/jmylchreest/loopcam/internal/storage"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and clean up multipart uploads",
	Long: `Commands for the local upload ledger.

Every multipart upload session is recorded in the ledger database when it is
opened and updated when it completes or is aborted. Sessions left open by a
crash or a failed abort still hold parts in the store, and are billed for,
until they are aborted.`,
}

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upload sessions recorded in the ledger",
	RunE:  runUploadsList,
}

var uploadsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Abort dangling multipart uploads",
	Long: `Abort multipart upload sessions the ledger still considers open.

With --scan-store the store is also asked for incomplete uploads the ledger
never saw (for example from a run with the ledger disabled). With --prune,
finished ledger rows older than the retention are deleted afterwards.`,
	RunE: runUploadsCleanup,
}

func init() {
	uploadsListCmd.Flags().Bool("dangling", false, "only list sessions that may still hold parts")

	f := uploadsCleanupCmd.Flags()
	f.Bool("dry-run", false, "report what would be aborted without aborting")
	f.Duration("older-than", time.Hour, "only abort sessions at least this old")
	f.Bool("scan-store", false, "also abort incomplete uploads found in the store")
	f.String("prefix", "", "limit the store scan to keys with this prefix")
	f.Duration("prune", 0, "delete finished ledger rows older than this (0 keeps them)")
	f.StringP("storage", "s", "", "the storage destination (s3, filesystem)")

	uploadsCmd.AddCommand(uploadsListCmd, uploadsCleanupCmd)
	rootCmd.AddCommand(uploadsCmd)
}

type uploadRow struct {
	ID         string     `yaml:"id"`
	Key        string     `yaml:"key"`
	Bucket     string     `yaml:"bucket,omitempty"`
	UploadID   string     `yaml:"upload_id"`
	Status     string     `yaml:"status"`
	Parts      int        `yaml:"parts"`
	Size       string     `yaml:"size"`
	Error      string     `yaml:"error,omitempty"`
	CreatedAt  time.Time  `yaml:"created_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty"`
}

func uploadRowFrom(r *models.UploadRecord) uploadRow {
	return uploadRow{
		ID:         r.ID.String(),
		Key:        r.Key,
		Bucket:     r.Bucket,
		UploadID:   r.UploadID,
		Status:     string(r.Status),
		Parts:      r.Parts,
		Size:       humanize.IBytes(uint64(r.TotalBytes)), //nolint:gosec // byte counts are non-negative
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// openLedger opens the ledger database. The caller closes the returned DB.
func openLedger(cfg *config.Config, logger *slog.Logger) (*ledger.Ledger, *database.DB, error) {
	if !cfg.Database.Enabled {
		return nil, nil, errors.New("the upload ledger is disabled (database.enabled=false)")
	}
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening upload ledger: %w", err)
	}
	return ledger.New(repository.NewUploadRecordRepository(db.DB), logger), db, nil
}

func runUploadsList(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	l, db, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var records []*models.UploadRecord
	if dangling, _ := cmd.Flags().GetBool("dangling"); dangling {
		records, err = l.Dangling(ctx)
	} else {
		records, err = l.List(ctx)
	}
	if err != nil {
		return err
	}

	rows := make([]uploadRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, uploadRowFrom(r))
	}
	return writeYAML(rows)
}

func runUploadsCleanup(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, applyCaptureFlags)
	if err != nil {
		return err
	}

	l, db, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	store, err := openStore(ctx, cfg.Storage, "")
	if err != nil {
		return err
	}

	f := cmd.Flags()
	dryRun, _ := f.GetBool("dry-run")
	olderThan, _ := f.GetDuration("older-than")
	scanStore, _ := f.GetBool("scan-store")
	prefix, _ := f.GetString("prefix")
	prune, _ := f.GetDuration("prune")

	if scanStore {
		if _, ok := store.(storage.IncompleteLister); !ok {
			return fmt.Errorf("the %s store cannot list incomplete uploads", cfg.Storage.Handler)
		}
	}

	entries, cleanupErr := l.Cleanup(ctx, store, ledger.CleanupOptions{
		OlderThan: olderThan,
		Prefix:    prefix,
		ScanStore: scanStore,
		DryRun:    dryRun,
	})
	if err := writeYAML(entries); err != nil {
		return err
	}
	logger.Info("cleanup finished",
		slog.Int("sessions", len(entries)),
		slog.Bool("dry_run", dryRun))

	if prune > 0 && !dryRun {
		n, err := l.Prune(ctx, prune)
		if err != nil {
			return errors.Join(cleanupErr, err)
		}
		logger.Info("pruned ledger", slog.Int64("rows", n), slog.Duration("older_than", prune))
	}
	return cleanupErr
}

func writeYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return enc.Close()
}
