package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready when the database and OBS answer and, once a
// Twitch login exists, the EventSub session is running.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.opts.DB.PingContext(ctx) }},
		{"obs", func() error {
			if h.opts.OBS == nil {
				return nil
			}
			return h.opts.OBS.Ping(ctx)
		}},
		{"eventsub", func() error {
			if h.opts.Plugin.Status().Authenticated && !h.opts.Plugin.SessionRunning() {
				return errors.New("eventsub session not running")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
