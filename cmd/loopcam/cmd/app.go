package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/database"
	"github.com/jmylchreest/loopcam/internal/events"
	"github.com/jmylchreest/loopcam/internal/ledger"
	"github.com/jmylchreest/loopcam/internal/repository"
	"github.com/jmylchreest/loopcam/internal/storage"
	"github.com/jmylchreest/loopcam/internal/upload"
	"github.com/jmylchreest/loopcam/internal/version"
)

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.ObjectStore
	db       *database.DB
	ledger   *ledger.Ledger
	kafka    *events.KafkaPublisher
	uploader *upload.Uploader
}

// newApp opens the store, the ledger database and the event publisher, then
// builds the uploader that reports to all of them. contentType is attached to
// objects written to S3.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, contentType string) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg.Storage, contentType)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Database.Enabled {
		db, err := database.New(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("opening upload ledger: %w", err)
		}
		a.db = db
		a.ledger = ledger.New(repository.NewUploadRecordRepository(db.DB), logger)
	}

	if cfg.Events.Kafka.Enabled {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Events.Kafka.Brokers,
			Topic:        cfg.Events.Kafka.Topic,
			Encoding:     events.Encoding(cfg.Events.Kafka.Encoding),
			WriteTimeout: cfg.Events.Kafka.WriteTimeout,
			Source:       version.UserAgent(),
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		a.kafka = pub
	}

	observers := []events.Observer{events.NewLogObserver(logger)}
	if a.ledger != nil {
		observers = append(observers, a.ledger)
	}
	if a.kafka != nil {
		observers = append(observers, a.kafka)
	}

	uploader, err := upload.New(store, upload.Options{
		MinPartSize:     cfg.Upload.MinPartSize.Bytes(),
		Concurrency:     cfg.Upload.Concurrency,
		FallbackToStart: cfg.Upload.FallbackToStart,
		AbortTimeout:    cfg.Upload.AbortTimeout,
		Bucket:          cfg.Storage.Bucket,
	},
		upload.WithObserver(events.Multi(observers...)),
		upload.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating uploader: %w", err)
	}
	a.uploader = uploader

	return a, nil
}

// Close releases the publisher and the database.
func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("closing kafka publisher", slog.Any("error", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", slog.Any("error", err))
		}
	}
}

// openStore opens the configured object store.
func openStore(ctx context.Context, cfg config.StorageConfig, contentType string) (storage.ObjectStore, error) {
	store, err := storage.Open(ctx, storage.Options{
		Handler: cfg.Handler,
		BaseDir: cfg.BaseDir,
		S3: storage.S3Config{
			Endpoint:     cfg.Endpoint,
			Region:       cfg.Region,
			Bucket:       cfg.Bucket,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			SessionToken: cfg.SessionToken,
			UseSSL:       cfg.UseSSL,
			CreateBucket: cfg.CreateBucket,
			ContentType:  contentType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Handler, err)
	}
	return store, nil
}

// errInterrupted marks a run ended by a signal before it could finish.
var errInterrupted = errors.New("interrupted")

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
