// Package server exposes the local HTTP API used by the settings UI and
// overlays: health, status, rules, scenes, rewards, redemption history, the
// Twitch login flow and a Server-Sent-Events stream of core notifications.
// It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/onnwee/scene-switcher/plugin"
	"github.com/onnwee/scene-switcher/telemetry"
)

// Pinger is a dependency whose reachability gates readiness (OBS).
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBPinger is satisfied by *sql.DB and *db.DB.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// Options configure NewMux.
type Options struct {
	Plugin *plugin.Plugin
	DB     DBPinger
	OBS    Pinger // optional

	// OAuth is nil when Twitch client credentials are not configured.
	OAuth *oauth2.Config

	AdminToken        string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigin        string
}

// NewMux returns the HTTP handler with all routes.
func NewMux(opts Options) http.Handler {
	h := NewHandlers(opts)
	if opts.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set - mutating endpoints are UNPROTECTED; keep HTTP_ADDR on localhost", slog.String("component", "http"))
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(withCorrelation)
	r.Use(withCORS(opts.CORSOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	r.Get("/status", h.HandleStatus)
	r.Get("/events", h.HandleEvents)
	r.Get("/scenes", h.HandleScenes)
	r.Get("/rewards", h.HandleRewards)
	r.Get("/rules", h.HandleGetRules)
	r.Get("/redemptions", h.HandleRedemptions)

	r.Get("/auth/twitch/start", h.HandleTwitchOAuthStart)
	r.Get("/auth/twitch/callback", h.HandleTwitchOAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(sameOrigin(opts.CORSOrigin))
		r.Use(rateLimit(opts.RateLimitRequests, opts.RateLimitWindow))
		r.Use(adminAuth(opts.AdminToken))
		r.Put("/rules", h.HandlePutRules)
		r.Post("/enabled", h.HandleSetEnabled)
		r.Post("/auth/logout", h.HandleLogout)
	})
	return r
}

// withCorrelation reuses or generates X-Correlation-ID and wraps the request
// in a tracing span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(telemetry.HTTPStatusAttr(rec.statusCode))
		if rec.statusCode >= 400 {
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

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
