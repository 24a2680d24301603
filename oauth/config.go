package oauth

import (
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/scene-switcher/db"
)

// NewTwitchConfig returns the authorization-code config for the broadcaster
// login. scopes is a space or comma separated list.
func NewTwitchConfig(clientID, clientSecret, redirectURL, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint:     twitch.Endpoint,
	}
}

// WithTokenURL points conf at a different token endpoint (used against mocks).
func WithTokenURL(conf *oauth2.Config, authURL, tokenURL string) *oauth2.Config {
	c := *conf
	c.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	return &c
}

// FromOAuth2 converts an exchanged or refreshed token to its stored form.
func FromOAuth2(t *oauth2.Token) db.Token {
	return db.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		Scope:        scopeOf(t),
	}
}

// ToOAuth2 converts a stored token for use with an oauth2.TokenSource.
func ToOAuth2(t db.Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "bearer",
		Expiry:       t.Expiry,
	}
}

// scopeOf reads the granted scopes, which Twitch returns as a JSON array.
func scopeOf(t *oauth2.Token) string {
	switch v := t.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
