// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the Twitch login flow, use ValidateTwitchReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchScopes       string
	HelixBaseURL       string
	TwitchAuthBaseURL  string

	// EventSub
	EventSubURL            string
	EventSubReconnectDelay time.Duration
	EventSubPingInterval   time.Duration

	// OBS
	OBSAddr     string
	OBSPassword string

	// Rules / plugin
	RulesFile     string
	PluginEnabled bool

	// Database
	DBDsn            string
	EncryptionKey    string
	HistoryRetention time.Duration

	// OAuth refresher
	RefreshInterval time.Duration
	RefreshWindow   time.Duration

	// HTTP
	HTTPAddr          string
	AdminToken        string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigin        string

	// NATS
	NATSURL     string
	NATSSubject string

	// Tracing
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use ValidateTwitchReady() before starting the login flow. Malformed numbers or durations are errors.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = envOr("TWITCH_REDIRECT_URI", "http://localhost:38915/auth/twitch/callback")
	cfg.TwitchScopes = envOr("TWITCH_SCOPES", "channel:read:redemptions")
	cfg.HelixBaseURL = envOr("HELIX_BASE_URL", "https://api.twitch.tv/helix")
	cfg.TwitchAuthBaseURL = envOr("TWITCH_AUTH_BASE_URL", "https://id.twitch.tv/oauth2")

	cfg.EventSubURL = envOr("EVENTSUB_WS_URL", "wss://eventsub.wss.twitch.tv/ws")
	if cfg.EventSubReconnectDelay, err = envDuration("EVENTSUB_RECONNECT_DELAY", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.EventSubPingInterval, err = envDuration("EVENTSUB_PING_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.OBSAddr = envOr("OBS_WS_ADDR", "localhost:4455")
	cfg.OBSPassword = os.Getenv("OBS_WS_PASSWORD")

	cfg.RulesFile = envOr("RULES_FILE", "rules.yaml")
	if cfg.PluginEnabled, err = envBool("PLUGIN_ENABLED", false); err != nil {
		return nil, err
	}

	cfg.DBDsn = envOr("DB_DSN", "file:scene-switcher.db")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.HistoryRetention, err = envDuration("HISTORY_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.RefreshInterval, err = envDuration("OAUTH_REFRESH_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshWindow, err = envDuration("OAUTH_REFRESH_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", "localhost:38915")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.RateLimitRequests, err = envInt("RATE_LIMIT_REQUESTS_PER_IP", 30); err != nil {
		return nil, err
	}
	windowSeconds, err := envInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	cfg.CORSOrigin = os.Getenv("CORS_ORIGIN")

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubject = envOr("NATS_SUBJECT", "scene_switcher.events")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

// ValidateTwitchReady checks the fields the OAuth login flow needs.
func (c *Config) ValidateTwitchReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	if c.TwitchRedirectURI == "" {
		return fmt.Errorf("missing twitch env: TWITCH_REDIRECT_URI")
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (positive duration like 200ms): %q", key, v)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s (positive integer): %q", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s (true/false): %q", key, v)
	}
	return b, nil
}
