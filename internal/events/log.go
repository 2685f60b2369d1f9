package events

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// LogObserver writes events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (o *LogObserver) Observe(ctx context.Context, ev Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.String("key", ev.Key),
	}
	if ev.UploadID != "" {
		attrs = append(attrs, slog.String("upload_id", ev.UploadID))
	}

	level := slog.LevelInfo
	msg := "upload event"
	switch ev.Type {
	case TypeUploadStarted:
		msg = "upload started"
		attrs = append(attrs,
			slog.String("strategy", ev.Strategy),
			slog.Int64("total_bytes", ev.TotalBytes),
			slog.String("size", humanize.IBytes(uint64(ev.TotalBytes))),
			slog.Int64("offset", ev.Offset),
		)
	case TypeUploadSessionOpened:
		msg = "multipart session opened"
	case TypeUploadPart:
		level = slog.LevelDebug
		msg = "part uploaded"
		attrs = append(attrs,
			slog.Int("part_number", ev.PartNumber),
			slog.Int64("bytes", ev.Bytes),
		)
	case TypeUploadCompleted:
		msg = "upload completed"
		attrs = append(attrs,
			slog.String("strategy", ev.Strategy),
			slog.Int("parts", ev.Parts),
			slog.String("size", humanize.IBytes(uint64(ev.TotalBytes))),
		)
	case TypeUploadFailed:
		level = slog.LevelError
		msg = "upload failed"
		attrs = append(attrs,
			slog.String("error", ev.Error),
			slog.String("cleanup", ev.Cleanup),
		)
		if ev.PartNumber > 0 {
			attrs = append(attrs, slog.Int("part_number", ev.PartNumber))
		}
	}

	o.logger.LogAttrs(ctx, level, msg, attrs...)
}
