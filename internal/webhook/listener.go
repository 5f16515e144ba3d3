// Package webhook implements the completion listener: the HTTP endpoint the
// enhancement service calls when an uploaded file has been processed.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/handiism/media-enhancer/internal/logging"
	"github.com/handiism/media-enhancer/internal/metrics"
	"github.com/handiism/media-enhancer/internal/model"
)

// SignatureHeader carries the shared secret on completion notifications.
const SignatureHeader = "X-Signature"

// CallbackPath is the route notifications are posted to.
const CallbackPath = "/callbacks"

const maxNotificationBytes = 64 << 10

// Sink receives accepted tokens. Put may block to apply backpressure and
// must return when ctx is cancelled.
type Sink interface {
	Put(ctx context.Context, token model.CompletionToken) error
}

// Options configures a Listener.
type Options struct {
	// Sink is the completion queue. Required.
	Sink Sink

	// Signature is the shared secret. Empty disables authentication.
	Signature string

	// Ledger deduplicates notifications. Nil disables deduplication.
	Ledger *Ledger

	// BaseContext is the parent of every request context. Cancelling it
	// aborts notifications blocked on a full queue.
	BaseContext context.Context

	// Metrics, when set, counts notifications and is served at /metrics.
	Metrics *metrics.Metrics

	// Health enables GET /healthz.
	Health bool

	Logger *slog.Logger
}

// Listener is the inbound completion endpoint.
type Listener struct {
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

type notification struct {
	GeneratedName *string `json:"generated_name"`
}

// New builds a listener. It does not bind; call Listen then Serve.
func New(opts Options) (*Listener, error) {
	if opts.Sink == nil {
		return nil, errors.New("webhook: sink is required")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	l := &Listener{
		opts:   opts,
		logger: logger.With(slog.String("component", "completion-listener")),
	}

	base := opts.BaseContext
	l.server = &http.Server{
		Handler:           l.Routes(),
		BaseContext:       func(net.Listener) context.Context { return base },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return l, nil
}

// Routes returns the listener's HTTP handler.
func (l *Listener) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(CallbackPath, l.handleCallback)
	if l.opts.Health {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if l.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", l.opts.Metrics.Handler())
	}
	return r
}

// Listen binds addr. Binding is separate from serving so a bind failure is
// reported before any worker starts.
func (l *Listener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("completion listener: listen %s: %w", addr, err)
	}
	l.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts notifications until Shutdown. It returns nil after a
// clean shutdown.
func (l *Listener) Serve() error {
	if l.listener == nil {
		return errors.New("completion listener: Serve called before Listen")
	}
	l.logger.Info("completion listener serving", slog.String("address", l.listener.Addr().String()))
	if err := l.server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("completion listener: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires, then closes what remains.
func (l *Listener) Shutdown(ctx context.Context) error {
	err := l.server.Shutdown(ctx)
	if err != nil {
		l.server.Close()
	}
	return err
}

// Close releases the bound socket without serving. Used when startup
// fails after Listen.
func (l *Listener) Close() error {
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if secret := l.opts.Signature; secret != "" {
		got := r.Header.Get(SignatureHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			l.count(metrics.OutcomeUnauthorized)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var body notification
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err := dec.Decode(&body); err != nil {
		l.count(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "malformed notification")
		return
	}
	if body.GeneratedName == nil {
		l.count(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "generated_name is required")
		return
	}
	token, err := model.ParseToken(*body.GeneratedName)
	if err != nil {
		l.count(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if l.opts.Ledger != nil && !l.opts.Ledger.Reserve(token) {
		l.count(metrics.OutcomeDuplicate)
		l.logger.Debug("duplicate notification ignored", slog.String("token", token.String()))
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := l.opts.Sink.Put(r.Context(), token); err != nil {
		if l.opts.Ledger != nil {
			l.opts.Ledger.Release(token)
		}
		l.count(metrics.OutcomeUnavailable)
		l.logger.Warn("notification not enqueued",
			slog.String("token", token.String()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
		return
	}
	if l.opts.Ledger != nil {
		l.opts.Ledger.Commit(token)
	}

	l.count(metrics.OutcomeAccepted)
	l.logger.Debug("notification accepted", slog.String("token", token.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (l *Listener) count(outcome string) {
	if l.opts.Metrics != nil {
		l.opts.Metrics.Notifications.WithLabelValues(outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
