package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenInfo is the id.twitch.tv/oauth2/validate response.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Expiry returns the absolute expiry, defaulting to +60m when unknown.
func (ti TokenInfo) Expiry() time.Time {
	if ti.ExpiresIn <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(ti.ExpiresIn) * time.Second)
}

// HasScope reports whether the token was granted scope.
func (ti TokenInfo) HasScope(scope string) bool {
	for _, s := range ti.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidateToken resolves a user access token to its owner. An invalid or
// expired token yields an *APIError with status 401.
func (hc *HelixClient) ValidateToken(ctx context.Context, token string) (TokenInfo, error) {
	if token == "" {
		return TokenInfo{}, fmt.Errorf("token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.authURL("/validate"), nil)
	if err != nil {
		return TokenInfo{}, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	var info TokenInfo
	if err := hc.do(req, &info, http.StatusOK); err != nil {
		return TokenInfo{}, fmt.Errorf("validate token: %w", err)
	}
	if info.UserID == "" {
		return TokenInfo{}, fmt.Errorf("validate token: not a user token")
	}
	return info, nil
}

// RevokeToken invalidates token for the application.
func (hc *HelixClient) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	form := url.Values{}
	form.Set("client_id", hc.ClientID)
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.authURL("/revoke"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := hc.do(req, nil, http.StatusOK); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}
