package pipeline

import (
	"context"
	"fmt"
	"time"

	ioutils "github.com/handiism/media-enhancer/internal/io"
)

const settlePoll = 50 * time.Millisecond

// SubmitFolder submits every regular file under root, at most limit of
// them when limit > 0, and returns how many were accepted.
func (h *Handle) SubmitFolder(ctx context.Context, root string, limit int) (int, error) {
	files, err := ioutils.ListFiles(root, limit)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", root, err)
	}

	h.sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Found %d file(s) in %s", len(files), root),
		Level:   LevelInfo,
	})

	submitted := 0
	for _, path := range files {
		if _, err := h.Submit(ctx, path); err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// WaitSettled blocks until n items have completed, failed or been
// abandoned, or ctx is done.
func (h *Handle) WaitSettled(ctx context.Context, n int64) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	for {
		if h.Stats().Settled() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
