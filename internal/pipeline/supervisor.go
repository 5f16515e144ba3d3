package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/handiism/media-enhancer/internal/audio"
	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/http"
	ioutils "github.com/handiism/media-enhancer/internal/io"
	"github.com/handiism/media-enhancer/internal/logging"
	"github.com/handiism/media-enhancer/internal/metrics"
	"github.com/handiism/media-enhancer/internal/model"
	"github.com/handiism/media-enhancer/internal/queue"
	"github.com/handiism/media-enhancer/internal/webhook"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("pipeline is shutting down")

	// ErrDuplicateToken is the failure cause of an item whose upload
	// returned a token already held by another item.
	ErrDuplicateToken = errors.New("token already belongs to another item")
)

// ShutdownReport describes how a pipeline stopped.
type ShutdownReport struct {
	// Forced is set when the grace period expired and in-flight calls
	// were cancelled.
	Forced bool

	// Abandoned counts submitted items that never reached a terminal
	// state: still queued for upload or still waiting for a completion.
	Abandoned int

	// UnmatchedTokens counts tokens left in the completion queue that no
	// item of this run produced.
	UnmatchedTokens int

	// Stuck counts calls still running after the force wait elapsed.
	Stuck int

	Duration time.Duration
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Submitted int64
	Uploaded  int64
	Completed int64
	Failed    int64
	Abandoned int64

	// Unmatched counts downloads for tokens no item of this run claimed.
	Unmatched int64

	UploadsInFlight   int64
	DownloadsInFlight int64

	PendingItems       int
	PendingCompletions int
	PendingResults     int

	// Notified counts distinct tokens the completion listener has accepted
	// or is enqueuing.
	// It stays zero in sync mode.
	Notified int
	// Registered counts tokens still waiting to be joined with their item
	// or their download.
	Registered int
}

// Settled is the number of submitted items that reached a terminal state
// or were abandoned.
func (s Stats) Settled() int64 {
	return s.Completed + s.Failed + s.Abandoned
}

// stageContext is the state shared by every worker of one pipeline.
type stageContext struct {
	settings *config.Settings
	service  Service
	request  model.EnhancementRequest
	ext      string
	mode     string

	items       *queue.Queue[*model.MediaItem]
	completions *queue.Queue[model.CompletionToken]
	results     *queue.Queue[model.Result]
	registry    *registry

	tagger     *audio.Tagger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	onProgress func(ProgressEvent)

	// stopCtx ends the worker loops. It is cancelled when shutdown begins.
	stopCtx context.Context
	// callCtx bounds outbound calls. It is cancelled when the grace
	// period expires.
	callCtx context.Context

	submitted         atomic.Int64
	uploaded          atomic.Int64
	completed         atomic.Int64
	failed            atomic.Int64
	abandoned         atomic.Int64
	unmatched         atomic.Int64
	uploadsInFlight   atomic.Int64
	downloadsInFlight atomic.Int64

	errMu sync.Mutex
	errs  []error
}

// Handle controls a running pipeline.
type Handle struct {
	sc       *stageContext
	stop     context.CancelFunc
	force    context.CancelFunc
	listener *webhook.Listener
	ledger   *webhook.Ledger
	lock     *ioutils.DirLock
	group    errgroup.Group

	forceWait time.Duration

	once   sync.Once
	report ShutdownReport
}

// Start validates the configuration, opens the session, binds the
// completion listener and spawns both worker pools. Nothing is left
// running when it returns an error.
//
// Cancelling ctx stops the workers from taking new work, as Shutdown
// does, but only Shutdown releases the session and the output lock.
func Start(ctx context.Context, opts Options) (*Handle, error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	lock, err := ioutils.LockDir(settings.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("lock output dir: %w", err)
	}

	service := opts.Service
	if service == nil {
		client, err := http.NewClient(http.Options{
			BaseURL:        settings.APIURL,
			APIKey:         opts.Credentials.APIKey,
			MaxConnections: settings.MaxConnections,
			Timeout:        settings.RequestTimeout.Std(),
		})
		if err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("open session: %w", err)
		}
		service = client
	}

	stopCtx, stop := context.WithCancel(ctx)
	callCtx, force := context.WithCancel(context.WithoutCancel(ctx))

	sc := &stageContext{
		settings:    settings,
		service:     service,
		request:     settings.ToEnhancementRequest(),
		ext:         settings.ResultFileExtension(),
		mode:        settings.CompletionMode,
		items:       queue.New[*model.MediaItem](settings.ItemQueueSize),
		completions: queue.New[model.CompletionToken](settings.CompletionQueueSize),
		results:     queue.New[model.Result](0),
		registry:    newRegistry(),
		metrics:     metrics.New(),
		logger:      logger.With(slog.String("component", "pipeline")),
		onProgress:  opts.OnProgress,
		stopCtx:     stopCtx,
		callCtx:     callCtx,
	}
	sc.metrics.TrackQueue("items", sc.items.Len)
	sc.metrics.TrackQueue("completions", sc.completions.Len)
	sc.metrics.TrackQueue("results", sc.results.Len)

	if settings.TagResults {
		tagCfg := audio.DefaultTagConfig()
		tagCfg.ArtworkMaxSize = settings.ArtworkMaxSize
		sc.tagger = audio.NewTagger(tagCfg)
	}

	h := &Handle{
		sc:        sc,
		stop:      stop,
		force:     force,
		lock:      lock,
		forceWait: settings.ForceWait.Std(),
	}

	if sc.mode == config.CompletionWebhook {
		h.ledger = webhook.NewLedger()
		wopts := webhook.Options{
			Sink:        sc.completions,
			Signature:   opts.Credentials.WebhookSignature,
			Ledger:      h.ledger,
			BaseContext: stopCtx,
			Health:      settings.HealthEndpoints,
			Logger:      logger,
		}
		if settings.MetricsEnabled {
			wopts.Metrics = sc.metrics
		}
		l, err := webhook.New(wopts)
		if err == nil {
			err = l.Listen(settings.ListenAddr)
		}
		if err != nil {
			stop()
			force()
			service.Close()
			lock.Unlock()
			return nil, fmt.Errorf("start completion listener: %w", err)
		}
		h.listener = l
	}

	for id := range settings.UploadWorkers {
		h.group.Go(func() error {
			sc.runUploader(id)
			return nil
		})
	}
	for id := range settings.DownloadWorkers {
		h.group.Go(func() error {
			sc.runDownloader(id)
			return nil
		})
	}
	if h.listener != nil {
		h.group.Go(func() error {
			if err := h.listener.Serve(); err != nil {
				sc.recordError(fmt.Errorf("completion listener: %w", err))
				sc.logger.Error("completion listener stopped", slog.Any("error", err))
			}
			return nil
		})
	}

	sc.logger.Info("pipeline started",
		slog.String("mode", sc.mode),
		slog.Int("upload_workers", settings.UploadWorkers),
		slog.Int("download_workers", settings.DownloadWorkers),
		slog.String("listen_addr", h.ListenAddr()),
		slog.String("output_dir", settings.OutputDir),
	)
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Pipeline started (%s mode, %d upload / %d download workers)", sc.mode, settings.UploadWorkers, settings.DownloadWorkers),
		Level:   LevelInfo,
	})
	return h, nil
}

// Submit queues the file at path for enhancement and returns the new
// item's ID. It blocks while a bounded item queue is full.
func (h *Handle) Submit(ctx context.Context, path string) (uuid.UUID, error) {
	info, err := os.Stat(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}
	if !info.Mode().IsRegular() {
		return uuid.Nil, fmt.Errorf("submit %s: not a regular file", path)
	}

	sc := h.sc
	item := model.NewMediaItem(path)
	id := item.ID

	// Counted before Put so a worker never finishes an uncounted item.
	sc.submitted.Add(1)
	if err := sc.items.Put(ctx, item); err != nil {
		sc.submitted.Add(-1)
		if errors.Is(err, queue.ErrClosed) {
			return uuid.Nil, ErrShuttingDown
		}
		return uuid.Nil, err
	}
	sc.metrics.Submitted.Inc()
	sc.logger.Debug("item submitted", slog.String("item", id.String()), slog.String("path", path))
	return id, nil
}

// Results is the queue of finished results. It is closed by Shutdown;
// results already in it can still be read with Drain.
func (h *Handle) Results() *queue.Queue[model.Result] {
	return h.sc.results
}

// Mode returns the completion mode in use.
func (h *Handle) Mode() string {
	return h.sc.mode
}

// ListenAddr returns the completion listener's bound address, or "" in
// sync mode.
func (h *Handle) ListenAddr() string {
	if h.listener == nil {
		return ""
	}
	if addr := h.listener.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Metrics returns the pipeline's collectors.
func (h *Handle) Metrics() *metrics.Metrics {
	return h.sc.metrics
}

// Err returns every unexpected error recorded so far: worker panics and a
// listener that stopped serving.
func (h *Handle) Err() error {
	h.sc.errMu.Lock()
	defer h.sc.errMu.Unlock()
	return errors.Join(h.sc.errs...)
}

// Stats returns a snapshot of the pipeline counters.
func (h *Handle) Stats() Stats {
	sc := h.sc
	notified := 0
	if h.ledger != nil {
		notified = h.ledger.Len()
	}
	return Stats{
		Submitted:          sc.submitted.Load(),
		Uploaded:           sc.uploaded.Load(),
		Completed:          sc.completed.Load(),
		Failed:             sc.failed.Load(),
		Abandoned:          sc.abandoned.Load(),
		Unmatched:          sc.unmatched.Load(),
		UploadsInFlight:    sc.uploadsInFlight.Load(),
		DownloadsInFlight:  sc.downloadsInFlight.Load(),
		PendingItems:       sc.items.Len(),
		PendingCompletions: sc.completions.Len(),
		PendingResults:     sc.results.Len(),
		Notified:           notified,
		Registered:         sc.registry.len(),
	}
}

// Shutdown stops the pipeline. Workers stop taking new work at once and
// in-flight calls get grace to finish; after that they are cancelled and
// given the configured force wait. Leftover work is counted as abandoned,
// then the session is closed and the output lock released.
//
// Only the first call does the work. Later calls return the same report.
func (h *Handle) Shutdown(grace time.Duration) ShutdownReport {
	h.once.Do(func() {
		h.report = h.shutdown(grace)
	})
	return h.report
}

func (h *Handle) shutdown(grace time.Duration) ShutdownReport {
	sc := h.sc
	started := time.Now()
	var report ShutdownReport

	sc.logger.Info("shutdown requested", slog.Duration("grace", grace))
	sc.progress(ProgressEvent{Message: "Shutting down...", Level: LevelInfo})

	sc.items.Close()
	h.stop()

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if h.listener == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace+h.forceWait)
		defer cancel()
		if err := h.listener.Shutdown(ctx); err != nil {
			sc.logger.Warn("completion listener did not stop cleanly", slog.Any("error", err))
			h.listener.Close()
		}
	}()

	workersDone := make(chan struct{})
	go func() {
		h.group.Wait()
		close(workersDone)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-workersDone:
	case <-timer.C:
		report.Forced = true
		sc.logger.Warn("grace period expired, cancelling in-flight calls",
			slog.Int64("uploads_in_flight", sc.uploadsInFlight.Load()),
			slog.Int64("downloads_in_flight", sc.downloadsInFlight.Load()),
		)
		h.force()
		select {
		case <-workersDone:
		case <-time.After(h.forceWait):
			report.Stuck = int(sc.uploadsInFlight.Load() + sc.downloadsInFlight.Load())
			sc.logger.Error("workers still running after force wait", slog.Int("stuck", report.Stuck))
		}
	}
	h.force()

	select {
	case <-listenerDone:
	case <-time.After(h.forceWait):
		sc.logger.Warn("completion listener still stopping")
	}
	sc.completions.Close()

	for _, item := range sc.items.Drain() {
		sc.abandon(item, "never uploaded")
		report.Abandoned++
	}
	for _, token := range sc.completions.Drain() {
		if !sc.registry.holds(token) {
			report.UnmatchedTokens++
			sc.logger.Warn("completion dropped at shutdown", slog.String("token", token.String()))
		}
	}
	waiting, unmatched := sc.registry.abandon()
	for _, item := range waiting {
		sc.abandon(item, "completion never downloaded")
		report.Abandoned++
	}
	sc.unmatched.Add(int64(unmatched))

	sc.results.Close()
	sc.service.Close()
	if err := h.lock.Unlock(); err != nil {
		sc.logger.Warn("release output lock", slog.Any("error", err))
	}

	report.Duration = time.Since(started)
	stats := h.Stats()
	sc.logger.Info("pipeline stopped",
		slog.Bool("forced", report.Forced),
		slog.Int64("submitted", stats.Submitted),
		slog.Int64("completed", stats.Completed),
		slog.Int64("failed", stats.Failed),
		slog.Int64("abandoned", stats.Abandoned),
		slog.Duration("took", report.Duration),
	)
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Stopped: %d completed, %d failed, %d abandoned", stats.Completed, stats.Failed, stats.Abandoned),
		Level:   LevelInfo,
	})
	return report
}

func (sc *stageContext) abandon(item *model.MediaItem, reason string) {
	sc.abandoned.Add(1)
	sc.metrics.Abandoned.Inc()
	sc.logger.Warn("item abandoned",
		slog.String("item", item.ID.String()),
		slog.String("path", item.SourcePath),
		slog.String("status", string(item.Status)),
		slog.String("reason", reason),
	)
	sc.progress(ProgressEvent{
		Message: fmt.Sprintf("Abandoned %s: %s", item.Name(), reason),
		Level:   LevelWarning,
		Item:    item.SourcePath,
		Token:   item.Token,
	})
}

func (sc *stageContext) recordError(err error) {
	sc.errMu.Lock()
	sc.errs = append(sc.errs, err)
	sc.errMu.Unlock()
}

func (sc *stageContext) progress(event ProgressEvent) {
	if sc.onProgress != nil {
		sc.onProgress(event)
	}
}
