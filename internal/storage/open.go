package storage

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a store.
type Options struct {
	Handler string
	S3      S3Config
	BaseDir string
}

// Open returns the store named by opts.Handler.
func Open(ctx context.Context, opts Options) (ObjectStore, error) {
	switch strings.ToLower(opts.Handler) {
	case HandlerS3, "":
		return NewS3Store(ctx, opts.S3)
	case HandlerFilesystem, "file", "local":
		if opts.BaseDir == "" {
			return nil, fmt.Errorf("filesystem store requires a base directory")
		}
		return NewFileStore(opts.BaseDir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, opts.Handler)
	}
}
