package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/metrics"
	"github.com/handiism/media-enhancer/internal/model"
)

// runUploader takes items until the item queue is closed or shutdown
// begins. A call already in progress is bounded by callCtx, not stopCtx.
func (sc *stageContext) runUploader(id int) {
	logger := sc.logger.With(slog.Int("upload_worker", id))
	for {
		item, err := sc.items.Get(sc.stopCtx)
		if err != nil {
			return
		}
		sc.upload(logger, item)
	}
}

func (sc *stageContext) runDownloader(id int) {
	logger := sc.logger.With(slog.Int("download_worker", id))
	for {
		token, err := sc.completions.Get(sc.stopCtx)
		if err != nil {
			return
		}
		sc.download(logger, token)
	}
}

func (sc *stageContext) upload(logger *slog.Logger, item *model.MediaItem) {
	attached := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("upload worker panic: %v", r)
			sc.recordError(err)
			if !attached {
				sc.fail(logger, item, metrics.StageUpload, err)
			}
		}
	}()

	if err := item.Transition(model.StatusUploading); err != nil {
		sc.fail(logger, item, metrics.StageUpload, err)
		return
	}
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Uploading %s", item.Name()),
		Level:   LevelVerbose,
		Stage:   metrics.StageUpload,
		Item:    item.SourcePath,
	})

	started := time.Now()
	token, err := sc.callUpload(item.SourcePath)
	if err != nil {
		sc.fail(logger, item, metrics.StageUpload, err)
		return
	}

	item.Token = token
	if err := item.Transition(model.StatusAwaitingCompletion); err != nil {
		sc.fail(logger, item, metrics.StageUpload, err)
		return
	}
	sc.uploaded.Add(1)

	name, source := item.Name(), item.SourcePath
	logger.Info("uploaded",
		slog.String("item", item.ID.String()),
		slog.String("path", source),
		slog.String("token", token.String()),
		slog.Duration("took", time.Since(started)),
	)

	// Once attached, the item belongs to whichever download claims token.
	settled, err := sc.registry.attach(token, item)
	if err != nil {
		sc.fail(logger, item, metrics.StageUpload, fmt.Errorf("%w: %s", err, token))
		return
	}
	if settled != nil {
		sc.finish(logger, item, *settled)
		return
	}
	attached = true

	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Uploaded %s, waiting for completion", name),
		Level:   LevelInfo,
		Stage:   metrics.StageUpload,
		Item:    source,
		Token:   token,
	})

	if sc.mode == config.CompletionSync {
		if err := sc.completions.Put(sc.stopCtx, token); err != nil {
			// The item stays registered and is counted as abandoned.
			logger.Warn("could not queue completion", slog.String("token", token.String()), slog.Any("error", err))
		}
	}
}

// callUpload runs the remote call with in-flight accounting. A panic in
// the service is returned as an error.
func (sc *stageContext) callUpload(path string) (token model.CompletionToken, err error) {
	gauge := sc.metrics.InFlight.WithLabelValues(metrics.StageUpload)
	sc.uploadsInFlight.Add(1)
	gauge.Inc()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panic: %v", r)
			sc.recordError(err)
		}
		sc.uploadsInFlight.Add(-1)
		gauge.Dec()
		sc.metrics.ObserveCall(metrics.StageUpload, started, err)
	}()

	return sc.service.Upload(sc.callCtx, path, sc.request)
}

func (sc *stageContext) download(logger *slog.Logger, token model.CompletionToken) {
	item := sc.registry.claim(token)
	if item != nil {
		if err := item.Transition(model.StatusDownloading); err != nil {
			logger.Warn("unexpected item state", slog.String("token", token.String()), slog.Any("error", err))
		}
	}

	o := sc.retrieve(logger, token, item)

	if owner := sc.registry.settle(token, o); owner != nil {
		sc.finish(logger, owner, o)
	} else if item == nil {
		logger.Debug("completion arrived before its upload was recorded", slog.String("token", token.String()))
	}

	if o.err != nil {
		return
	}
	if err := sc.results.Put(context.Background(), o.result); err != nil {
		logger.Warn("result dropped", slog.String("path", o.result.Path), slog.Any("error", err))
	}
}

// retrieve downloads and tags the result for token. item may be nil.
func (sc *stageContext) retrieve(logger *slog.Logger, token model.CompletionToken, item *model.MediaItem) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("download worker panic: %v", r)}
			sc.recordError(o.err)
		}
	}()

	dest := filepath.Join(sc.settings.OutputDir, token.FileName(sc.ext))
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Downloading %s", filepath.Base(dest)),
		Level:   LevelVerbose,
		Stage:   metrics.StageDownload,
		Token:   token,
	})

	started := time.Now()
	n, err := sc.callDownload(token, dest)
	if err != nil {
		return outcome{err: err}
	}
	sc.metrics.DownloadedBytes.Add(float64(n))

	result := model.Result{
		Token:       token,
		Path:        dest,
		CompletedAt: time.Now(),
	}
	if item != nil {
		result.SourcePath = item.SourcePath
	}
	logger.Info("downloaded",
		slog.String("token", token.String()),
		slog.String("path", dest),
		slog.Int64("bytes", n),
		slog.Duration("took", time.Since(started)),
	)

	if sc.tagger != nil {
		tagged, err := sc.tagger.TagResult(sc.callCtx, result, sc.request)
		switch {
		case err != nil:
			logger.Warn("tagging failed", slog.String("path", dest), slog.Any("error", err))
		case tagged:
			logger.Debug("tagged", slog.String("path", dest))
		}
	}
	return outcome{result: result}
}

func (sc *stageContext) callDownload(token model.CompletionToken, dest string) (n int64, err error) {
	gauge := sc.metrics.InFlight.WithLabelValues(metrics.StageDownload)
	sc.downloadsInFlight.Add(1)
	gauge.Inc()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("download panic: %v", r)
			sc.recordError(err)
		}
		sc.downloadsInFlight.Add(-1)
		gauge.Dec()
		sc.metrics.ObserveCall(metrics.StageDownload, started, err)
	}()

	return sc.service.Download(sc.callCtx, token, dest)
}

// finish applies a download outcome to the item that produced its token.
func (sc *stageContext) finish(logger *slog.Logger, item *model.MediaItem, o outcome) {
	if o.err != nil {
		sc.fail(logger, item, metrics.StageDownload, o.err)
		return
	}
	if err := item.Transition(model.StatusDownloading); err != nil {
		sc.fail(logger, item, metrics.StageDownload, err)
		return
	}
	item.ResultPath = o.result.Path
	if err := item.Transition(model.StatusCompleted); err != nil {
		sc.fail(logger, item, metrics.StageDownload, err)
		return
	}
	sc.completed.Add(1)

	logger.Info("completed",
		slog.String("item", item.ID.String()),
		slog.String("path", item.SourcePath),
		slog.String("result", item.ResultPath),
	)
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Enhanced %s -> %s", item.Name(), filepath.Base(item.ResultPath)),
		Level:   LevelSuccess,
		Stage:   metrics.StageDownload,
		Item:    item.SourcePath,
		Token:   item.Token,
	})
}

// fail moves item to Failed. Items already terminal are left alone, so a
// failure is counted once.
func (sc *stageContext) fail(logger *slog.Logger, item *model.MediaItem, stage string, cause error) {
	if item.Status.IsTerminal() {
		return
	}
	if err := item.Fail(cause); err != nil {
		logger.Error("could not fail item", slog.String("item", item.ID.String()), slog.Any("error", err))
		return
	}
	sc.failed.Add(1)

	level := slog.LevelError
	if errors.Is(cause, context.Canceled) {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "item failed",
		slog.String("stage", stage),
		slog.String("item", item.ID.String()),
		slog.String("path", item.SourcePath),
		slog.String("token", item.Token.String()),
		slog.Any("error", cause),
	)
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Failed %s during %s: %v", item.Name(), stage, cause),
		Level:   LevelError,
		Stage:   stage,
		Item:    item.SourcePath,
		Token:   item.Token,
	})
}
