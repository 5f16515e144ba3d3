package pipeline

import (
	"context"
	"log/slog"

	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/model"
)

// Uploader sends a local file to the enhancement service.
type Uploader interface {
	Upload(ctx context.Context, path string, req model.EnhancementRequest) (model.CompletionToken, error)
}

// Downloader retrieves the result for a token into destPath.
type Downloader interface {
	Download(ctx context.Context, token model.CompletionToken, destPath string) (int64, error)
}

// Service is the session shared by both worker pools.
type Service interface {
	Uploader
	Downloader
	Close()
}

// Options configures Start.
type Options struct {
	// Settings defaults to config.DefaultSettings().
	Settings *config.Settings

	Credentials config.Credentials

	// Service replaces the HTTP session built from Settings.
	Service Service

	Logger *slog.Logger

	// OnProgress receives item-level events. It is called from worker
	// goroutines and must not block.
	OnProgress func(ProgressEvent)
}
