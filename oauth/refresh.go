// Package oauth holds the Twitch OAuth2 configuration and the background
// refresher that keeps the stored user token valid. The refresher performs
// jittered checks and refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/scene-switcher/db"
)

// TokenStore is the persistence the refresher needs.
type TokenStore interface {
	LoadToken(ctx context.Context) (db.Token, error)
	// UpdateToken must not create a token when none is stored.
	UpdateToken(ctx context.Context, tok db.Token) error
}

// RefreshOnce refreshes the stored token if it expires within window. It
// reports whether a new token was saved.
func RefreshOnce(ctx context.Context, store TokenStore, conf *oauth2.Config, window time.Duration) (db.Token, bool, error) {
	cur, err := store.LoadToken(ctx)
	if errors.Is(err, db.ErrNoCredentials) {
		return db.Token{}, false, nil
	}
	if err != nil {
		return db.Token{}, false, err
	}
	if cur.RefreshToken == "" {
		return cur, false, nil
	}
	if !cur.Expiry.IsZero() && time.Until(cur.Expiry) > window {
		return cur, false, nil
	}

	// An empty access token forces the source to use the refresh grant.
	stale := &oauth2.Token{RefreshToken: cur.RefreshToken, Expiry: time.Now().Add(-time.Minute)}
	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return cur, false, fmt.Errorf("refresh token: %w", err)
	}
	next := FromOAuth2(fresh)
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	if err := store.UpdateToken(ctx, next); err != nil {
		if errors.Is(err, db.ErrNoCredentials) {
			slog.Info("login cleared during refresh; discarding token", slog.String("component", "oauth"))
			return db.Token{}, false, nil
		}
		return cur, false, fmt.Errorf("persist token: %w", err)
	}
	return next, true, nil
}

// StartRefresher launches a goroutine that periodically checks the stored
// token and refreshes it. onRefresh (may be nil) receives each new token.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, conf *oauth2.Config, interval, window time.Duration, onRefresh func(db.Token)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			check(ctx, store, conf, window, onRefresh)

			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

func check(ctx context.Context, store TokenStore, conf *oauth2.Config, window time.Duration, onRefresh func(db.Token)) {
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	tok, refreshed, err := RefreshOnce(ctx2, store, conf, window)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
		return
	}
	if !refreshed {
		return
	}
	slog.Info("token refreshed", slog.String("component", "oauth"), slog.Time("expires_at", tok.Expiry))
	if onRefresh != nil {
		onRefresh(tok)
	}
}
