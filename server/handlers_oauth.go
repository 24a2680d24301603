package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/onnwee/scene-switcher/oauth"
	"github.com/onnwee/scene-switcher/telemetry"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET)", http.StatusBadRequest)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st) {
		http.Error(w, "too many pending logins", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.opts.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, then hands the token to the
// plugin which validates it and starts the EventSub session.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	st := q.Get("state")
	if st == "" || !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))
	tok, err := h.opts.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Warn("oauth code exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	if err := h.opts.Plugin.CompleteLogin(ctx, oauth.FromOAuth2(tok)); err != nil {
		log.Warn("twitch login rejected", slog.Any("err", err))
		writeError(w, http.StatusBadRequest, "login failed: "+err.Error())
		return
	}
	status := h.opts.Plugin.Status()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "login": status.Login, "broadcaster_user_id": status.BroadcasterUserID})
}

// HandleLogout revokes and forgets the stored Twitch login.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Plugin.Logout(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("logout failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
