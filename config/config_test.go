package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "EVENTSUB_WS_URL", "EVENTSUB_RECONNECT_DELAY", "PLUGIN_ENABLED", "DB_DSN", "RULES_FILE", "TWITCH_SCOPES"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != "localhost:38915" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.EventSubURL != "wss://eventsub.wss.twitch.tv/ws" {
		t.Errorf("EventSubURL = %q", cfg.EventSubURL)
	}
	if cfg.EventSubReconnectDelay != 200*time.Millisecond {
		t.Errorf("EventSubReconnectDelay = %v", cfg.EventSubReconnectDelay)
	}
	if cfg.PluginEnabled {
		t.Error("PluginEnabled defaults to true, want false")
	}
	if cfg.DBDsn != "file:scene-switcher.db" || cfg.RulesFile != "rules.yaml" {
		t.Errorf("DBDsn = %q RulesFile = %q", cfg.DBDsn, cfg.RulesFile)
	}
	if cfg.TwitchScopes != "channel:read:redemptions" {
		t.Errorf("TwitchScopes = %q", cfg.TwitchScopes)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVENTSUB_PING_INTERVAL", "3s")
	t.Setenv("PLUGIN_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "5")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.EventSubPingInterval != 3*time.Second || !cfg.PluginEnabled || cfg.RateLimitRequests != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.NATSURL != "nats://localhost:4222" || cfg.NATSSubject != "scene_switcher.events" {
		t.Errorf("NATS = %q %q", cfg.NATSURL, cfg.NATSSubject)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"EVENTSUB_RECONNECT_DELAY":   "soon",
		"EVENTSUB_PING_INTERVAL":     "-1s",
		"PLUGIN_ENABLED":             "maybe",
		"RATE_LIMIT_WINDOW_SECONDS":  "0",
		"RATE_LIMIT_REQUESTS_PER_IP": "many",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want mention of %s", err, key)
			}
		})
	}
}

func TestValidateTwitchReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateTwitchReady(); err != nil {
		t.Errorf("expected valid twitch config, got %v", err)
	}
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateTwitchReady(); err == nil {
		t.Errorf("expected error when missing client secret")
	}
}
