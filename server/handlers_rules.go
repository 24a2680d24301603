package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/scene-switcher/rules"
	"github.com/onnwee/scene-switcher/telemetry"
)

const maxRulesBody = 1 << 20

// HandleGetRules returns the ordered rule list.
func (h *Handlers) HandleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": h.opts.Plugin.Rules()})
}

// HandlePutRules replaces the whole rule list. Body: {"rules": [...]}.
func (h *Handlers) HandlePutRules(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var body struct {
		Rules []rules.Rule `json:"rules"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRulesBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rules body: "+err.Error())
		return
	}
	if body.Rules == nil {
		body.Rules = []rules.Rule{}
	}
	if err := h.opts.Plugin.SetRules(r.Context(), body.Rules); err != nil {
		if errors.Is(err, rules.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("save rules failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "save rules failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": h.opts.Plugin.Rules()})
}
