package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/handiism/media-enhancer/internal/config"
	apihttp "github.com/handiism/media-enhancer/internal/http"
	ioutils "github.com/handiism/media-enhancer/internal/io"
	"github.com/handiism/media-enhancer/internal/model"
	"github.com/handiism/media-enhancer/internal/webhook"
)

// fakeService mints the token "<base name without extension>" for each
// upload and writes a small file for each download.
type fakeService struct {
	uploadDelay   func(path string) time.Duration
	uploadErr     func(path string) error
	downloadDelay time.Duration
	panicOn       string

	uploads, maxUploads     atomic.Int64
	downloads, maxDownloads atomic.Int64
	closed                  atomic.Bool

	mu        sync.Mutex
	retrieved []model.CompletionToken
}

func (f *fakeService) Upload(ctx context.Context, path string, req model.EnhancementRequest) (model.CompletionToken, error) {
	raiseMax(&f.maxUploads, f.uploads.Add(1))
	defer f.uploads.Add(-1)

	base := filepath.Base(path)
	if base == f.panicOn {
		panic("service exploded on " + base)
	}
	if f.uploadDelay != nil {
		if err := sleep(ctx, f.uploadDelay(path)); err != nil {
			return "", err
		}
	}
	if f.uploadErr != nil {
		if err := f.uploadErr(path); err != nil {
			return "", err
		}
	}
	return model.CompletionToken(strings.TrimSuffix(base, filepath.Ext(base))), nil
}

func (f *fakeService) Download(ctx context.Context, token model.CompletionToken, dest string) (int64, error) {
	raiseMax(&f.maxDownloads, f.downloads.Add(1))
	defer f.downloads.Add(-1)

	if err := sleep(ctx, f.downloadDelay); err != nil {
		return 0, err
	}
	data := []byte("enhanced:" + token)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.retrieved = append(f.retrieved, token)
	f.mu.Unlock()
	return int64(len(data)), nil
}

func (f *fakeService) Close() {
	f.closed.Store(true)
}

func raiseMax(max *atomic.Int64, v int64) {
	for {
		cur := max.Load()
		if v <= cur || max.CompareAndSwap(cur, v) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.OutputDir = t.TempDir()
	s.CompletionMode = config.CompletionSync
	s.ListenAddr = "127.0.0.1:0"
	s.UploadWorkers = 2
	s.DownloadWorkers = 2
	s.ForceWait = config.Duration(200 * time.Millisecond)
	s.TagResults = false
	return s
}

var testCreds = config.Credentials{APIKey: "test-key", WebhookSignature: "sekrit"}

func start(t *testing.T, s *config.Settings, svc *fakeService) *Handle {
	t.Helper()
	h, err := Start(context.Background(), Options{Settings: s, Credentials: testCreds, Service: svc})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Shutdown(time.Second) })
	return h
}

func writeSources(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		if err := os.WriteFile(paths[i], []byte("audio:"+name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func numbered(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("track%02d.mp3", i+1)
	}
	return names
}

func submitAll(t *testing.T, h *Handle, paths []string) {
	t.Helper()
	for _, p := range paths {
		if _, err := h.Submit(context.Background(), p); err != nil {
			t.Fatalf("Submit(%s): %v", p, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func(Stats) bool, h *Handle) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(h.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; stats = %+v", what, h.Stats())
}

func assertAccounted(t *testing.T, s Stats) {
	t.Helper()
	if s.Submitted != s.Settled() {
		t.Errorf("submitted %d != completed %d + failed %d + abandoned %d", s.Submitted, s.Completed, s.Failed, s.Abandoned)
	}
}

func TestSyncModeEnhancesEverything(t *testing.T) {
	s := testSettings(t)
	s.UploadWorkers = 3
	svc := &fakeService{}
	h := start(t, s, svc)
	paths := writeSources(t, numbered(10)...)

	submitAll(t, h, paths)
	waitFor(t, "10 completions", func(s Stats) bool { return s.Completed == 10 }, h)

	report := h.Shutdown(time.Second)
	if report.Forced || report.Abandoned != 0 {
		t.Errorf("report = %+v, want clean stop", report)
	}

	results := h.Results().Drain()
	if len(results) != 10 {
		t.Fatalf("results = %d, want 10", len(results))
	}
	for _, r := range results {
		want := filepath.Join(s.OutputDir, r.Token.String()+".wav")
		if r.Path != want {
			t.Errorf("result path = %s, want %s", r.Path, want)
		}
		if r.SourcePath == "" {
			t.Errorf("result %s has no source path", r.Token)
		}
		data, err := os.ReadFile(r.Path)
		if err != nil || string(data) != "enhanced:"+r.Token.String() {
			t.Errorf("result file %s = %q, %v", r.Path, data, err)
		}
	}
	if !svc.closed.Load() {
		t.Error("service not closed at shutdown")
	}
	assertAccounted(t, h.Stats())
}

func TestWorkerPoolsBoundConcurrency(t *testing.T) {
	s := testSettings(t)
	s.UploadWorkers = 3
	s.DownloadWorkers = 2
	svc := &fakeService{
		uploadDelay:   func(string) time.Duration { return 20 * time.Millisecond },
		downloadDelay: 20 * time.Millisecond,
	}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, numbered(12)...))
	waitFor(t, "12 completions", func(s Stats) bool { return s.Completed == 12 }, h)

	if got := svc.maxUploads.Load(); got > 3 {
		t.Errorf("max concurrent uploads = %d, want <= 3", got)
	}
	if got := svc.maxDownloads.Load(); got > 2 {
		t.Errorf("max concurrent downloads = %d, want <= 2", got)
	}
	if got := svc.maxUploads.Load(); got < 2 {
		t.Errorf("max concurrent uploads = %d, uploads did not overlap", got)
	}
}

func TestUploadFailureDoesNotStopPipeline(t *testing.T) {
	s := testSettings(t)
	svc := &fakeService{
		uploadErr: func(path string) error {
			if filepath.Base(path) == "broken.mp3" {
				return &apihttp.StatusError{Op: "upload", Code: http.StatusInternalServerError, Body: "internal error"}
			}
			return nil
		},
	}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, "broken.mp3", "fine.mp3"))
	waitFor(t, "both items settled", func(s Stats) bool { return s.Completed+s.Failed == 2 }, h)

	stats := h.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 completed and 1 failed", stats)
	}

	h.Shutdown(time.Second)
	results := h.Results().Drain()
	if len(results) != 1 || results[0].Token != "fine" {
		t.Errorf("results = %+v, want only fine", results)
	}
	assertAccounted(t, h.Stats())
}

func TestWebhookModeDownloadsNotifiedTokens(t *testing.T) {
	s := testSettings(t)
	s.CompletionMode = config.CompletionWebhook
	svc := &fakeService{}
	h := start(t, s, svc)
	if h.ListenAddr() == "" {
		t.Fatal("listener not bound")
	}

	submitAll(t, h, writeSources(t, "voice.mp3"))
	waitFor(t, "upload", func(s Stats) bool { return s.Uploaded == 1 }, h)
	if got := h.Stats().Completed; got != 0 {
		t.Fatalf("completed = %d before any notification", got)
	}

	if code := notify(t, h, "voice", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", code)
	}
	if code := notify(t, h, "voice", "sekrit"); code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", code)
	}
	if code := notify(t, h, "voice", "sekrit"); code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", code)
	}
	if got := h.Stats().Notified; got != 1 {
		t.Errorf("notified = %d, want 1", got)
	}

	result, err := h.Results().Get(contextWithTimeout(t, 5*time.Second))
	if err != nil {
		t.Fatalf("Results().Get: %v", err)
	}
	if result.Token != "voice" || result.Path != filepath.Join(s.OutputDir, "voice.wav") {
		t.Errorf("result = %+v", result)
	}
	waitFor(t, "completion", func(s Stats) bool { return s.Completed == 1 }, h)
	if got := h.Stats().Registered; got != 0 {
		t.Errorf("registered = %d after completion, want 0", got)
	}

	report := h.Shutdown(time.Second)
	if report.Forced || report.Abandoned != 0 {
		t.Errorf("report = %+v", report)
	}
	if got := len(svc.retrieved); got != 1 {
		t.Errorf("downloads = %d, want 1 despite duplicate notification", got)
	}
}

func TestNotificationBeforeUploadReturns(t *testing.T) {
	s := testSettings(t)
	s.CompletionMode = config.CompletionWebhook
	svc := &fakeService{uploadDelay: func(string) time.Duration { return 300 * time.Millisecond }}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, "early.mp3"))
	waitFor(t, "upload in flight", func(s Stats) bool { return s.UploadsInFlight == 1 }, h)

	if code := notify(t, h, "early", "sekrit"); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	waitFor(t, "completion", func(s Stats) bool { return s.Completed == 1 }, h)

	h.Shutdown(time.Second)
	stats := h.Stats()
	if stats.Unmatched != 0 {
		t.Errorf("unmatched = %d, want 0", stats.Unmatched)
	}
	assertAccounted(t, stats)
}

func TestAwaitingItemsAbandonedAtShutdown(t *testing.T) {
	s := testSettings(t)
	s.CompletionMode = config.CompletionWebhook
	h := start(t, s, &fakeService{})

	submitAll(t, h, writeSources(t, "a.mp3", "b.mp3"))
	waitFor(t, "uploads", func(s Stats) bool { return s.Uploaded == 2 }, h)
	if got := h.Stats().Registered; got != 2 {
		t.Errorf("registered = %d, want both uploads waiting", got)
	}

	report := h.Shutdown(time.Second)
	if report.Forced {
		t.Error("idle workers should not need forcing")
	}
	if report.Abandoned != 2 {
		t.Errorf("abandoned = %d, want 2", report.Abandoned)
	}
	assertAccounted(t, h.Stats())
}

func TestShutdownForcesSlowCalls(t *testing.T) {
	s := testSettings(t)
	s.UploadWorkers = 1
	svc := &fakeService{
		uploadDelay: func(path string) time.Duration {
			if filepath.Base(path) == "long.mp3" {
				return time.Minute
			}
			return 0
		},
	}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, "long.mp3", "q1.mp3", "q2.mp3", "q3.mp3"))
	waitFor(t, "long upload in flight", func(s Stats) bool { return s.UploadsInFlight == 1 }, h)

	grace := 100 * time.Millisecond
	began := time.Now()
	report := h.Shutdown(grace)
	elapsed := time.Since(began)

	if !report.Forced {
		t.Error("Forced = false, want true")
	}
	if report.Stuck != 0 {
		t.Errorf("stuck = %d, want 0", report.Stuck)
	}
	if limit := grace + s.ForceWait.Std() + 500*time.Millisecond; elapsed > limit {
		t.Errorf("shutdown took %v, want under %v", elapsed, limit)
	}

	stats := h.Stats()
	if stats.Failed != 1 || stats.Abandoned != 3 {
		t.Errorf("stats = %+v, want 1 failed and 3 abandoned", stats)
	}
	assertAccounted(t, stats)
}

func TestShutdownWaitsForCallsNotQueues(t *testing.T) {
	s := testSettings(t)
	s.CompletionQueueSize = 1
	s.UploadWorkers = 3
	s.DownloadWorkers = 1
	svc := &fakeService{downloadDelay: 300 * time.Millisecond}
	h := start(t, s, svc)

	// One download runs, one token waits in the queue and the remaining
	// upload workers block handing theirs over.
	submitAll(t, h, writeSources(t, numbered(4)...))
	waitFor(t, "all uploads", func(s Stats) bool { return s.Uploaded == 4 && s.UploadsInFlight == 0 }, h)

	grace := 3 * time.Second
	began := time.Now()
	report := h.Shutdown(grace)
	elapsed := time.Since(began)

	if report.Forced {
		t.Errorf("report = %+v, no call outlived the grace period", report)
	}
	if elapsed > grace/2 {
		t.Errorf("shutdown took %v, want well under the %v grace", elapsed, grace)
	}
	stats := h.Stats()
	if stats.Failed != 0 || stats.Completed+stats.Abandoned != 4 {
		t.Errorf("stats = %+v, want 4 completed or abandoned", stats)
	}
	assertAccounted(t, stats)
}

func TestShutdownMixedCalls(t *testing.T) {
	s := testSettings(t)
	s.UploadWorkers = 3
	svc := &fakeService{
		uploadDelay: func(path string) time.Duration {
			if filepath.Base(path) == "quick.mp3" {
				return 150 * time.Millisecond
			}
			return time.Minute
		},
	}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, "quick.mp3", "slow1.mp3", "slow2.mp3"))
	waitFor(t, "three uploads in flight", func(s Stats) bool { return s.UploadsInFlight == 3 }, h)

	grace := 500 * time.Millisecond
	began := time.Now()
	report := h.Shutdown(grace)
	elapsed := time.Since(began)

	if !report.Forced || report.Stuck != 0 {
		t.Errorf("report = %+v, want forced with nothing stuck", report)
	}
	if elapsed < grace {
		t.Errorf("shutdown returned after %v, before the %v grace", elapsed, grace)
	}
	if limit := grace + s.ForceWait.Std() + 500*time.Millisecond; elapsed > limit {
		t.Errorf("shutdown took %v, want under %v", elapsed, limit)
	}

	// The quick upload finished inside the grace period, so only the slow
	// ones fail.
	stats := h.Stats()
	if stats.Uploaded != 1 {
		t.Errorf("uploaded = %d, want the quick upload", stats.Uploaded)
	}
	if stats.Failed != 2 || stats.Completed+stats.Abandoned != 1 {
		t.Errorf("stats = %+v, want 2 failed and the quick item completed or abandoned", stats)
	}
	assertAccounted(t, stats)
}

func TestResultsIndependentOfSubmitOrder(t *testing.T) {
	s := testSettings(t)
	svc := &fakeService{
		uploadDelay: func(path string) time.Duration {
			if filepath.Base(path) == "a.mp3" {
				return 200 * time.Millisecond
			}
			return 0
		},
	}
	h := start(t, s, svc)

	submitAll(t, h, writeSources(t, "a.mp3", "b.mp3"))

	ctx := contextWithTimeout(t, 5*time.Second)
	got := map[model.CompletionToken]bool{}
	var order []model.CompletionToken
	for range 2 {
		r, err := h.Results().Get(ctx)
		if err != nil {
			t.Fatalf("Results().Get: %v", err)
		}
		got[r.Token] = true
		order = append(order, r.Token)
	}
	if !got["a"] || !got["b"] {
		t.Errorf("results = %v, want a and b in any order", order)
	}
	assertAccounted(t, h.Stats())
}

func TestShutdownIdleIsQuickAndIdempotent(t *testing.T) {
	s := testSettings(t)
	h := start(t, s, &fakeService{})

	began := time.Now()
	first := h.Shutdown(10 * time.Second)
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Errorf("idle shutdown took %v", elapsed)
	}
	second := h.Shutdown(10 * time.Second)
	if first != second {
		t.Errorf("second Shutdown = %+v, want %+v", second, first)
	}

	path := writeSources(t, "late.mp3")[0]
	if _, err := h.Submit(context.Background(), path); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after shutdown = %v, want ErrShuttingDown", err)
	}

	lock, err := ioutils.LockDir(s.OutputDir)
	if err != nil {
		t.Fatalf("output lock not released: %v", err)
	}
	lock.Unlock()
}

func TestStartFailures(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		_, err := Start(context.Background(), Options{Settings: testSettings(t), Service: &fakeService{}})
		if !errors.Is(err, config.ErrMissingAPIKey) {
			t.Errorf("error = %v, want ErrMissingAPIKey", err)
		}
	})

	t.Run("invalid settings", func(t *testing.T) {
		s := testSettings(t)
		s.UploadWorkers = 0
		if _, err := Start(context.Background(), Options{Settings: s, Credentials: testCreds, Service: &fakeService{}}); err == nil {
			t.Error("Start() error = nil, want invalid settings")
		}
	})

	t.Run("output dir locked", func(t *testing.T) {
		s := testSettings(t)
		lock, err := ioutils.LockDir(s.OutputDir)
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Unlock()

		_, err = Start(context.Background(), Options{Settings: s, Credentials: testCreds, Service: &fakeService{}})
		if !errors.Is(err, ioutils.ErrLocked) {
			t.Errorf("error = %v, want ErrLocked", err)
		}
	})

	t.Run("listen address in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer busy.Close()

		s := testSettings(t)
		s.CompletionMode = config.CompletionWebhook
		s.ListenAddr = busy.Addr().String()
		svc := &fakeService{}

		if _, err := Start(context.Background(), Options{Settings: s, Credentials: testCreds, Service: svc}); err == nil {
			t.Fatal("Start() error = nil, want bind failure")
		}
		if !svc.closed.Load() {
			t.Error("service not closed after failed start")
		}
		lock, err := ioutils.LockDir(s.OutputDir)
		if err != nil {
			t.Fatalf("output lock not released after failed start: %v", err)
		}
		lock.Unlock()
	})
}

func TestPanicInUploadIsRecovered(t *testing.T) {
	s := testSettings(t)
	s.UploadWorkers = 1
	h := start(t, s, &fakeService{panicOn: "boom.mp3"})

	submitAll(t, h, writeSources(t, "boom.mp3", "after.mp3"))
	waitFor(t, "both items settled", func(s Stats) bool { return s.Completed+s.Failed == 2 }, h)

	if stats := h.Stats(); stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 failed and 1 completed", stats)
	}
	if err := h.Err(); err == nil || !strings.Contains(err.Error(), "boom.mp3") {
		t.Errorf("Err() = %v, want recorded panic", err)
	}
}

func TestSubmitRejectsMissingFile(t *testing.T) {
	h := start(t, testSettings(t), &fakeService{})
	if _, err := h.Submit(context.Background(), filepath.Join(t.TempDir(), "absent.wav")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
	if got := h.Stats().Submitted; got != 0 {
		t.Errorf("submitted = %d, want 0", got)
	}
}

func TestProgressEvents(t *testing.T) {
	s := testSettings(t)
	var mu sync.Mutex
	levels := map[ProgressLevel]int{}

	h, err := Start(context.Background(), Options{
		Settings:    s,
		Credentials: testCreds,
		Service:     &fakeService{},
		OnProgress: func(e ProgressEvent) {
			mu.Lock()
			levels[e.Level]++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	submitAll(t, h, writeSources(t, "one.mp3"))
	waitFor(t, "completion", func(s Stats) bool { return s.Completed == 1 }, h)
	h.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if levels[LevelSuccess] != 1 {
		t.Errorf("success events = %d, want 1", levels[LevelSuccess])
	}
	if levels[LevelVerbose] < 2 {
		t.Errorf("verbose events = %d, want upload and download", levels[LevelVerbose])
	}
}

func notify(t *testing.T, h *Handle, token, signature string) int {
	t.Helper()
	body := strings.NewReader(fmt.Sprintf(`{"generated_name":%q}`, token))
	req, err := http.NewRequest(http.MethodPost, "http://"+h.ListenAddr()+webhook.CallbackPath, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(webhook.SignatureHeader, signature)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST callback: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitFolderAndWaitSettled(t *testing.T) {
	s := testSettings(t)
	h := start(t, s, &fakeService{})

	dir := filepath.Dir(writeSources(t, numbered(5)...)[0])
	n, err := h.SubmitFolder(context.Background(), dir, 3)
	if err != nil {
		t.Fatalf("SubmitFolder: %v", err)
	}
	if n != 3 {
		t.Fatalf("submitted = %d, want 3 with limit", n)
	}
	if err := h.WaitSettled(contextWithTimeout(t, 5*time.Second), int64(n)); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if got := h.Stats().Completed; got != 3 {
		t.Errorf("completed = %d, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.WaitSettled(ctx, 100); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitSettled on cancelled ctx = %v, want context.Canceled", err)
	}
}
