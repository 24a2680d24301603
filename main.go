// Command scene-switcher is a companion daemon for OBS Studio that switches
// scenes when Twitch Channel Points rewards are redeemed and reverts after a
// configurable delay. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential/history database (SQLite or Postgres) and migrates it.
//   - Connects to OBS over obs-websocket and to Twitch EventSub over WebSocket.
//   - Keeps the Twitch user token fresh in the background.
//   - Exposes a local HTTP API with /healthz, /status, /events, /metrics and the login flow.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/scene-switcher/config"
	"github.com/onnwee/scene-switcher/crypto"
	"github.com/onnwee/scene-switcher/db"
	"github.com/onnwee/scene-switcher/eventsub"
	"github.com/onnwee/scene-switcher/notify"
	"github.com/onnwee/scene-switcher/oauth"
	"github.com/onnwee/scene-switcher/obsws"
	"github.com/onnwee/scene-switcher/plugin"
	"github.com/onnwee/scene-switcher/server"
	"github.com/onnwee/scene-switcher/telemetry"
	"github.com/onnwee/scene-switcher/twitchapi"
)

const (
	serviceName    = "scene-switcher"
	serviceVersion = "1.0.0"
	defaultAuthURL = "https://id.twitch.tv/oauth2"
)

func main() {
	// Load .env file if present (local dev convenience only)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db"), slog.String("dialect", database.Dialect.String()))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.NewCredentialStore(database, sealer)

	helix := &twitchapi.HelixClient{
		BaseURL:     cfg.HelixBaseURL,
		AuthBaseURL: cfg.TwitchAuthBaseURL,
		ClientID:    cfg.TwitchClientID,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}

	var oauthConf *oauth2.Config
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Warn("twitch login disabled", slog.Any("err", err))
	} else {
		oauthConf = oauth.NewTwitchConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
		if base := strings.TrimRight(cfg.TwitchAuthBaseURL, "/"); base != defaultAuthURL {
			oauthConf = oauth.WithTokenURL(oauthConf, base+"/authorize", base+"/token")
		}
	}

	obs := obsws.New(cfg.OBSAddr, cfg.OBSPassword)
	defer func() {
		if err := obs.Close(); err != nil {
			slog.Warn("obs disconnect failed", slog.Any("err", err))
		}
	}()

	hub := notify.NewHub()
	if cfg.NATSURL != "" {
		bridge, err := notify.NewNATSBridge(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			slog.Warn("nats bridge disabled", slog.Any("err", err))
		} else {
			defer bridge.Close()
			go bridge.Run(ctx, hub)
			slog.Info("nats bridge started", slog.String("subject", cfg.NATSSubject))
		}
	}

	p := plugin.New(plugin.Deps{
		Scenes:           obs,
		Helix:            helix,
		Store:            store,
		History:          db.NewHistory(database),
		Hub:              hub,
		RulesFile:        cfg.RulesFile,
		Enabled:          cfg.PluginEnabled,
		HistoryRetention: cfg.HistoryRetention,
		SessionOptions: []eventsub.Option{
			eventsub.WithURL(cfg.EventSubURL),
			eventsub.WithReconnectDelay(cfg.EventSubReconnectDelay),
			eventsub.WithPingInterval(cfg.EventSubPingInterval),
		},
	})
	if err := p.Start(ctx); err != nil {
		slog.Error("plugin start failed", slog.Any("err", err))
		os.Exit(1)
	}

	if oauthConf != nil {
		oauth.StartRefresher(ctx, store, oauthConf, cfg.RefreshInterval, cfg.RefreshWindow, p.TokenRefreshed)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(server.Options{
		Plugin:            p,
		DB:                database,
		OBS:               obs,
		OAuth:             oauthConf,
		AdminToken:        cfg.AdminToken,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigin:        cfg.CORSOrigin,
	})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	p.Shutdown()
	hub.Close()
	<-serverDone
}
