// Package server exposes the HTTP surface: WebSub callbacks, health, metrics,
// the YouTube OAuth bootstrap and the admin API. Every request carries a
// correlation ID in its context for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/websub"
)

// Deps are the collaborators the handlers need. Herald, Jobs and YouTube may
// be nil; their routes then answer 503.
type Deps struct {
	Config   *config.Config
	Store    Store
	Registry *websub.Registry
	Callback *websub.Router
	Herald   Tracker
	Jobs     JobLister
	YouTube  YouTubeAuth
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine. The limiter
// covers the admin and OAuth routes.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{PubSubCallbackPath: "/pubsub", RateLimit: 20, RateBurst: 40}
	}
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, cfg.RateLimit, cfg.RateBurst, cfg.TrustProxy)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.HandleReadyz).Methods(http.MethodGet)

	oauth := r.PathPrefix("/auth/youtube").Subrouter()
	oauth.Use(limiter.Middleware)
	oauth.HandleFunc("/start", h.HandleYouTubeOAuthStart).Methods(http.MethodGet)
	oauth.HandleFunc("/callback", h.HandleYouTubeOAuthCallback).Methods(http.MethodGet)

	// Hubs must always get a 200 on the callback, so it is never rate limited.
	if deps.Callback != nil {
		deps.Callback.Register(r.PathPrefix(cfg.PubSubCallbackPath).Subrouter())
	}

	auth := loadAuthConfig(cfg)
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(limiter.Middleware)
	admin.Use(func(next http.Handler) http.Handler { return adminAuth(next, auth) })
	admin.HandleFunc("/feeds", h.HandleAdminFeedsList).Methods(http.MethodGet)
	admin.HandleFunc("/feeds", h.HandleAdminFeedsAdd).Methods(http.MethodPost)
	admin.HandleFunc("/feeds", h.HandleAdminFeedsRemove).Methods(http.MethodDelete)
	admin.HandleFunc("/jobs", h.HandleAdminJobs).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions", h.HandleAdminSubscriptions).Methods(http.MethodGet)

	return withRequestContext(r)
}

// withRequestContext injects a correlation ID and a tracing span per request.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
