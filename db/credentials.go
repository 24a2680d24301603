package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/scene-switcher/crypto"
)

// ErrNoCredentials is returned when no Twitch login is stored.
var ErrNoCredentials = errors.New("no stored credentials")

const (
	providerTwitch     = "twitch"
	keyBroadcasterID   = "twitch_broadcaster_id"
	keyBroadcasterName = "twitch_login"
)

// Token is an OAuth token pair as persisted.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Credentials is the stored Twitch login.
type Credentials struct {
	Token
	BroadcasterUserID string
	Login             string
}

// CredentialStore persists the broadcaster's Twitch token and identity. When a
// sealer is configured tokens are encrypted and stored with
// encryption_version=1; plaintext rows (version 0) remain readable.
type CredentialStore struct {
	db     *DB
	sealer *crypto.Sealer
}

// NewCredentialStore returns a store on d. sealer may be nil.
func NewCredentialStore(d *DB, sealer *crypto.Sealer) *CredentialStore {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db"))
	}
	return &CredentialStore{db: d, sealer: sealer}
}

// SaveToken upserts the Twitch token.
func (s *CredentialStore) SaveToken(ctx context.Context, tok Token) error {
	access, refresh, version, err := s.seal(tok)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			scope=excluded.scope,
			encryption_version=excluded.encryption_version,
			updated_at=excluded.updated_at`,
		providerTwitch, access, refresh, unixOrZero(tok.Expiry), tok.Scope, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// UpdateToken overwrites the stored token only if one exists, so a refresh
// finishing after Clear cannot resurrect a logged-out token. It returns
// ErrNoCredentials when there was nothing to update.
func (s *CredentialStore) UpdateToken(ctx context.Context, tok Token) error {
	access, refresh, version, err := s.seal(tok)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, `UPDATE oauth_tokens SET access_token = ?, refresh_token = ?, expires_at = ?, scope = ?, encryption_version = ?, updated_at = ?
		WHERE provider = ?`,
		access, refresh, unixOrZero(tok.Expiry), tok.Scope, version, time.Now().Unix(), providerTwitch)
	if err != nil {
		return fmt.Errorf("update oauth token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update oauth token: %w", err)
	}
	if n == 0 {
		return ErrNoCredentials
	}
	return nil
}

func (s *CredentialStore) seal(tok Token) (access, refresh string, version int, err error) {
	access, refresh = tok.AccessToken, tok.RefreshToken
	if s.sealer == nil {
		return access, refresh, crypto.VersionPlaintext, nil
	}
	if access, err = s.sealer.Seal("access_token", access); err != nil {
		return "", "", 0, fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh, err = s.sealer.Seal("refresh_token", refresh); err != nil {
		return "", "", 0, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return access, refresh, crypto.VersionAESGCM, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// LoadToken returns the stored token or ErrNoCredentials.
func (s *CredentialStore) LoadToken(ctx context.Context) (Token, error) {
	var (
		tok     Token
		access  sql.NullString
		refresh sql.NullString
		scope   sql.NullString
		expiry  sql.NullInt64
		version int
	)
	err := s.db.queryRow(ctx, `SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		FROM oauth_tokens WHERE provider = ?`, providerTwitch).Scan(&access, &refresh, &expiry, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNoCredentials
	}
	if err != nil {
		return Token{}, fmt.Errorf("load oauth token: %w", err)
	}
	tok.AccessToken, tok.RefreshToken, tok.Scope = access.String, refresh.String, scope.String
	if expiry.Valid && expiry.Int64 > 0 {
		tok.Expiry = time.Unix(expiry.Int64, 0)
	}
	if version == crypto.VersionAESGCM {
		if s.sealer == nil {
			return Token{}, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken, err = s.sealer.Open("access_token", tok.AccessToken); err != nil {
			return Token{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.sealer.Open("refresh_token", tok.RefreshToken); err != nil {
			return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if tok.AccessToken == "" {
		return Token{}, ErrNoCredentials
	}
	return tok, nil
}

// SetBroadcaster records the identity the token belongs to.
func (s *CredentialStore) SetBroadcaster(ctx context.Context, userID, login string) error {
	if err := s.db.SetKV(ctx, keyBroadcasterID, userID); err != nil {
		return err
	}
	return s.db.SetKV(ctx, keyBroadcasterName, login)
}

// Load returns the full login, or ErrNoCredentials when either the token or
// the broadcaster id is missing.
func (s *CredentialStore) Load(ctx context.Context) (Credentials, error) {
	tok, err := s.LoadToken(ctx)
	if err != nil {
		return Credentials{}, err
	}
	id, err := s.db.GetKV(ctx, keyBroadcasterID)
	if err != nil {
		return Credentials{}, err
	}
	if id == "" {
		return Credentials{}, ErrNoCredentials
	}
	login, err := s.db.GetKV(ctx, keyBroadcasterName)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Token: tok, BroadcasterUserID: id, Login: login}, nil
}

// Clear removes the token and identity.
func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.exec(ctx, `DELETE FROM oauth_tokens WHERE provider = ?`, providerTwitch); err != nil {
		return fmt.Errorf("delete oauth token: %w", err)
	}
	if _, err := s.db.exec(ctx, `DELETE FROM kv WHERE key IN (?, ?)`, keyBroadcasterID, keyBroadcasterName); err != nil {
		return fmt.Errorf("delete broadcaster: %w", err)
	}
	return nil
}

// GetKV returns the value for key, or "" when unset.
func (d *DB) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := d.queryRow(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return v.String, nil
}

// SetKV upserts key.
func (d *DB) SetKV(ctx context.Context, key, value string) error {
	_, err := d.exec(ctx, `INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}
