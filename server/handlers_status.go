package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/scene-switcher/plugin"
	"github.com/onnwee/scene-switcher/telemetry"
)

// HandleStatus returns the plugin snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Plugin.Status())
}

// HandleScenes lists OBS scenes for the rule editor.
func (h *Handlers) HandleScenes(w http.ResponseWriter, r *http.Request) {
	names, err := h.opts.Plugin.Scenes(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("list scenes failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "obs unavailable")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": names})
}

// HandleRewards lists the broadcaster's custom rewards.
func (h *Handlers) HandleRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.opts.Plugin.Rewards(r.Context())
	switch {
	case errors.Is(err, plugin.ErrNotAuthenticated):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Warn("list rewards failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "twitch request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rewards": rewards})
}

// HandleSetEnabled toggles redemption routing. Body: {"enabled": bool}.
func (h *Handlers) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, `expected {"enabled": true|false}`)
		return
	}
	h.opts.Plugin.SetEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.opts.Plugin.Enabled()})
}

// HandleRedemptions returns recent routed redemptions, newest first.
func (h *Handlers) HandleRedemptions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	entries, err := h.opts.Plugin.Recent(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("load redemptions failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, map[string]any{"redemptions": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redemptions": entries})
}
