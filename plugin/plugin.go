// Package plugin owns one scene-switcher run: the rule table and its file
// watcher, the transition engine, the EventSub session, the redemption router
// and the stored Twitch login. main constructs exactly one Plugin and drives
// it through Start and Shutdown.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/scene-switcher/db"
	"github.com/onnwee/scene-switcher/eventsub"
	"github.com/onnwee/scene-switcher/notify"
	"github.com/onnwee/scene-switcher/router"
	"github.com/onnwee/scene-switcher/rules"
	"github.com/onnwee/scene-switcher/scenes"
	"github.com/onnwee/scene-switcher/telemetry"
	"github.com/onnwee/scene-switcher/twitchapi"
)

// ErrNotAuthenticated is returned by operations that need a Twitch login.
var ErrNotAuthenticated = errors.New("not authenticated with twitch")

// RequiredScope is the scope the redemption subscription needs.
const RequiredScope = "channel:read:redemptions"

const (
	queueSize          = 64
	defaultPruneEvery  = time.Hour
	defaultRecentLimit = 50
)

// CredentialStore persists the Twitch login. *db.CredentialStore satisfies it.
type CredentialStore interface {
	Load(ctx context.Context) (db.Credentials, error)
	SaveToken(ctx context.Context, tok db.Token) error
	SetBroadcaster(ctx context.Context, userID, login string) error
	Clear(ctx context.Context) error
}

// HistoryStore records and serves routed redemptions. *db.History satisfies it.
type HistoryStore interface {
	router.HistoryRecorder
	Recent(ctx context.Context, limit int) ([]db.Entry, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the collaborators a Plugin is built from.
type Deps struct {
	Scenes  scenes.Controller
	Helix   *twitchapi.HelixClient
	Store   CredentialStore
	History HistoryStore // optional
	Hub     *notify.Hub  // optional; a private hub is created when nil

	RulesFile        string
	Enabled          bool
	HistoryRetention time.Duration // 0 keeps history forever
	PruneInterval    time.Duration

	SessionOptions []eventsub.Option
	EngineOptions  []scenes.Option
}

// Status is the snapshot served to the UI.
type Status struct {
	Enabled           bool               `json:"enabled"`
	Authenticated     bool               `json:"authenticated"`
	Login             string             `json:"login,omitempty"`
	BroadcasterUserID string             `json:"broadcaster_user_id,omitempty"`
	Session           eventsub.State     `json:"session_state"`
	SessionID         string             `json:"session_id,omitempty"`
	Transition        scenes.StateChange `json:"transition"`
	Rules             int                `json:"rules"`
	QueueDepth        int                `json:"queue_depth"`
}

// Plugin is the composition root.
type Plugin struct {
	deps    Deps
	hub     *notify.Hub
	table   *rules.Table
	watcher *rules.Watcher
	engine  *scenes.Engine
	session *eventsub.Session
	router  *router.Router
	queue   chan eventsub.Redemption

	mu      sync.Mutex
	creds   db.Credentials
	authed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the components. Nothing runs until Start.
func New(deps Deps) *Plugin {
	if deps.Hub == nil {
		deps.Hub = notify.NewHub()
	}
	if deps.PruneInterval <= 0 {
		deps.PruneInterval = defaultPruneEvery
	}
	p := &Plugin{
		deps:  deps,
		hub:   deps.Hub,
		table: rules.NewTable(nil),
		queue: make(chan eventsub.Redemption, queueSize),
	}
	p.engine = scenes.NewEngine(deps.Scenes, deps.EngineOptions...)
	p.session = eventsub.NewSession(deps.Helix, deps.SessionOptions...)

	opts := []router.Option{router.WithPublisher(p.hub)}
	if deps.History != nil {
		opts = append(opts, router.WithHistory(deps.History))
	}
	p.router = router.New(p.table, p.engine, deps.Scenes, opts...)
	p.router.SetEnabled(deps.Enabled)

	if deps.RulesFile != "" {
		p.watcher = rules.NewWatcher(deps.RulesFile, p.table)
		p.watcher.OnReload(func(list []rules.Rule) {
			p.hub.Publish(notify.Event{Kind: notify.KindRulesReloaded, Data: list})
		})
	}

	p.engine.OnStateChange(func(c scenes.StateChange) {
		telemetry.SetTransitionState(int(c.State))
		p.hub.Publish(notify.Event{Kind: notify.KindTransition, Data: c})
	})
	p.session.OnStateChange(func(s eventsub.State) {
		p.hub.Publish(notify.Event{Kind: notify.KindSessionState, Data: map[string]string{"state": s.String()}})
	})
	p.session.OnRedemption(p.enqueue)
	return p
}

// Hub returns the notification hub.
func (p *Plugin) Hub() *notify.Hub { return p.hub }

// Start loads rules and credentials and begins processing. The EventSub
// session starts only when a stored login exists.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	if p.watcher != nil {
		if err := p.watcher.Reload(); err != nil {
			slog.Warn("rules load failed; starting with an empty table", slog.String("component", "plugin"), slog.String("path", p.deps.RulesFile), slog.Any("err", err))
		}
		if err := p.watcher.Start(runCtx); err != nil {
			slog.Warn("rules watcher not started", slog.String("component", "plugin"), slog.Any("err", err))
		}
	}

	p.wg.Add(1)
	go p.dispatch(runCtx)

	if p.deps.History != nil && p.deps.HistoryRetention > 0 {
		p.wg.Add(1)
		go p.pruneLoop(runCtx)
	}

	creds, err := p.deps.Store.Load(ctx)
	switch {
	case errors.Is(err, db.ErrNoCredentials):
		slog.Info("no twitch login stored; waiting for authentication", slog.String("component", "plugin"))
	case err != nil:
		slog.Warn("load credentials failed", slog.String("component", "plugin"), slog.Any("err", err))
	default:
		p.mu.Lock()
		p.creds, p.authed = creds, true
		p.mu.Unlock()
		p.session.Start(p.sessionCreds(creds))
	}
	slog.Info("plugin started", slog.String("component", "plugin"), slog.Bool("enabled", p.router.Enabled()), slog.Int("rules", p.table.Len()))
	return nil
}

// Shutdown stops the session, watcher, timers and background loops.
func (p *Plugin) Shutdown() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.started = false
	p.mu.Unlock()

	p.session.Stop()
	if p.watcher != nil {
		p.watcher.Stop()
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.engine.Reset()
	slog.Info("plugin stopped", slog.String("component", "plugin"))
}

// CompleteLogin stores a freshly exchanged token, resolves the broadcaster
// it belongs to and (re)starts the EventSub session.
func (p *Plugin) CompleteLogin(ctx context.Context, tok db.Token) error {
	info, err := p.deps.Helix.ValidateToken(ctx, tok.AccessToken)
	if err == nil && !info.HasScope(RequiredScope) {
		err = fmt.Errorf("token lacks scope %s", RequiredScope)
	}
	if err != nil {
		p.hub.Publish(notify.Event{Kind: notify.KindAuthFailed, Data: map[string]string{"error": err.Error()}})
		return err
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = info.Expiry()
	}
	if err := p.deps.Store.SaveToken(ctx, tok); err != nil {
		p.hub.Publish(notify.Event{Kind: notify.KindAuthFailed, Data: map[string]string{"error": err.Error()}})
		return fmt.Errorf("save token: %w", err)
	}
	if err := p.deps.Store.SetBroadcaster(ctx, info.UserID, info.Login); err != nil {
		p.hub.Publish(notify.Event{Kind: notify.KindAuthFailed, Data: map[string]string{"error": err.Error()}})
		return fmt.Errorf("save broadcaster: %w", err)
	}

	creds := db.Credentials{Token: tok, BroadcasterUserID: info.UserID, Login: info.Login}
	p.mu.Lock()
	p.creds, p.authed = creds, true
	running := p.started
	p.mu.Unlock()

	if running {
		p.session.Stop()
		p.session.Start(p.sessionCreds(creds))
	}
	slog.Info("twitch login completed", slog.String("component", "plugin"), slog.String("login", info.Login), slog.String("user_id", info.UserID))
	p.hub.Publish(notify.Event{Kind: notify.KindAuthSucceeded, Data: map[string]string{"login": info.Login, "user_id": info.UserID}})
	return nil
}

// Logout revokes the token (best effort), forgets the login and stops the
// session.
func (p *Plugin) Logout(ctx context.Context) error {
	p.mu.Lock()
	creds := p.creds
	p.creds, p.authed = db.Credentials{}, false
	p.mu.Unlock()

	p.session.Stop()
	if err := p.deps.Helix.RevokeToken(ctx, creds.AccessToken); err != nil {
		slog.Warn("token revoke failed", slog.String("component", "plugin"), slog.Any("err", err))
	}
	if err := p.deps.Store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	slog.Info("twitch login cleared", slog.String("component", "plugin"), slog.String("login", creds.Login))
	p.hub.Publish(notify.Event{Kind: notify.KindLoggedOut})
	return nil
}

// TokenRefreshed hands a refreshed token to the session; the next
// subscription request uses it.
func (p *Plugin) TokenRefreshed(tok db.Token) {
	p.mu.Lock()
	if !p.authed {
		p.mu.Unlock()
		return
	}
	p.creds.Token = tok
	p.mu.Unlock()
	p.session.SetAccessToken(tok.AccessToken)
	slog.Debug("session token replaced", slog.String("component", "plugin"), slog.String("tail", maskToken(tok.AccessToken)))
}

// SetEnabled toggles redemption routing.
func (p *Plugin) SetEnabled(on bool) {
	if p.router.SetEnabled(on) {
		slog.Info("routing toggled", slog.String("component", "plugin"), slog.Bool("enabled", on))
		p.hub.Publish(notify.Event{Kind: notify.KindEnabledChanged, Data: map[string]bool{"enabled": on}})
	}
}

// Enabled reports whether redemptions are routed.
func (p *Plugin) Enabled() bool { return p.router.Enabled() }

// Status returns a point-in-time snapshot.
func (p *Plugin) Status() Status {
	p.mu.Lock()
	creds, authed := p.creds, p.authed
	p.mu.Unlock()
	return Status{
		Enabled:           p.router.Enabled(),
		Authenticated:     authed,
		Login:             creds.Login,
		BroadcasterUserID: creds.BroadcasterUserID,
		Session:           p.session.State(),
		SessionID:         p.session.SessionID(),
		Transition:        p.engine.State(),
		Rules:             p.table.Len(),
		QueueDepth:        len(p.queue),
	}
}

// SessionRunning reports whether the EventSub session is started.
func (p *Plugin) SessionRunning() bool { return p.session.IsRunning() }

// Rules returns the current rule list.
func (p *Plugin) Rules() []rules.Rule { return p.table.Snapshot() }

// SetRules validates list, persists it and swaps it in.
func (p *Plugin) SetRules(_ context.Context, list []rules.Rule) error {
	if err := rules.Validate(list); err != nil {
		return err
	}
	if p.deps.RulesFile != "" {
		if err := rules.SaveFile(p.deps.RulesFile, list); err != nil {
			return fmt.Errorf("save rules: %w", err)
		}
	}
	p.table.Replace(list)
	slog.Info("rules updated", slog.String("component", "plugin"), slog.Int("count", len(list)))
	p.hub.Publish(notify.Event{Kind: notify.KindRulesReloaded, Data: p.table.Snapshot()})
	return nil
}

// Scenes lists the host's scenes for the rule editor.
func (p *Plugin) Scenes(ctx context.Context) ([]string, error) {
	return p.deps.Scenes.ListScenes(ctx)
}

// Rewards lists the broadcaster's custom rewards for the rule editor.
func (p *Plugin) Rewards(ctx context.Context) ([]twitchapi.CustomReward, error) {
	p.mu.Lock()
	creds, authed := p.creds, p.authed
	p.mu.Unlock()
	if !authed {
		return nil, ErrNotAuthenticated
	}
	return p.deps.Helix.ListCustomRewards(ctx, creds.AccessToken, creds.BroadcasterUserID)
}

// Recent returns recent routed redemptions, newest first.
func (p *Plugin) Recent(ctx context.Context, limit int) ([]db.Entry, error) {
	if p.deps.History == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return p.deps.History.Recent(ctx, limit)
}

func (p *Plugin) sessionCreds(c db.Credentials) eventsub.Credentials {
	return eventsub.Credentials{
		AccessToken:       c.AccessToken,
		BroadcasterUserID: c.BroadcasterUserID,
		ClientID:          p.deps.Helix.ClientID,
	}
}

// enqueue runs on the session's read goroutine and must not block.
func (p *Plugin) enqueue(r eventsub.Redemption) {
	select {
	case p.queue <- r:
	default:
		telemetry.IncLabel(telemetry.RedemptionsDropped, "queue_full")
		slog.Warn("redemption queue full; dropping", slog.String("component", "plugin"), slog.String("reward_id", r.RewardID))
	}
}

func (p *Plugin) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.queue:
			p.router.OnRedemption(ctx, r)
		}
	}
}

func (p *Plugin) pruneLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.deps.PruneInterval)
	defer t.Stop()
	for {
		p.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Plugin) prune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := p.deps.History.Prune(pctx, time.Now().Add(-p.deps.HistoryRetention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("history prune failed", slog.String("component", "plugin"), slog.Any("err", err))
		}
		return
	}
	if n > 0 {
		slog.Info("history pruned", slog.String("component", "plugin"), slog.Int64("rows", n))
	}
}

func maskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
