// Package router turns EventSub redemptions into scene transitions: it checks
// the enabled flag, reads the active scene once, picks the first matching rule
// and hands it to the transition engine.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/scene-switcher/db"
	"github.com/onnwee/scene-switcher/eventsub"
	"github.com/onnwee/scene-switcher/notify"
	"github.com/onnwee/scene-switcher/rules"
	"github.com/onnwee/scene-switcher/scenes"
	"github.com/onnwee/scene-switcher/telemetry"
)

// Outcome is what the router did with one redemption.
type Outcome int

const (
	Disabled Outcome = iota
	NoMatch
	Matched
	// Suppressed means a rule matched while a transition was already in flight.
	Suppressed
	// SceneUnavailable means a rule matched but its target scene does not exist.
	SceneUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Disabled:
		return "disabled"
	case NoMatch:
		return "no_match"
	case Matched:
		return "matched"
	case Suppressed:
		return "suppressed"
	case SceneUnavailable:
		return "scene_unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome name in JSON payloads.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// HistoryRecorder stores routed redemptions. *db.History satisfies it.
type HistoryRecorder interface {
	Record(ctx context.Context, e db.Entry) error
}

// Switcher is the transition engine surface the router drives.
type Switcher interface {
	SwitchWithRevert(ctx context.Context, rule rules.Rule) (scenes.Result, error)
}

// Routed is the redemption notification payload.
type Routed struct {
	eventsub.Redemption
	Outcome       Outcome `json:"outcome"`
	TargetScene   string  `json:"target_scene,omitempty"`
	CurrentScene  string  `json:"current_scene,omitempty"`
	CorrelationID string  `json:"correlation_id"`
}

// Option configures a Router.
type Option func(*Router)

// WithHistory records every routed redemption.
func WithHistory(h HistoryRecorder) Option { return func(r *Router) { r.history = h } }

// WithPublisher publishes a redemption event for every routed redemption.
func WithPublisher(p notify.Publisher) Option { return func(r *Router) { r.pub = p } }

// Router is safe for concurrent use; the enabled flag and rule table may be
// changed while redemptions are routed.
type Router struct {
	table   *rules.Table
	engine  Switcher
	ctrl    scenes.Controller
	history HistoryRecorder
	pub     notify.Publisher
	enabled atomic.Bool
}

// New returns a disabled router.
func New(table *rules.Table, engine Switcher, ctrl scenes.Controller, opts ...Option) *Router {
	r := &Router{table: table, engine: engine, ctrl: ctrl}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetEnabled toggles routing. It reports whether the value changed.
func (r *Router) SetEnabled(on bool) bool {
	return r.enabled.Swap(on) != on
}

// Enabled reports whether redemptions are routed.
func (r *Router) Enabled() bool { return r.enabled.Load() }

// OnRedemption routes one redemption. At most one rule fires.
func (r *Router) OnRedemption(ctx context.Context, red eventsub.Redemption) Outcome {
	corr := telemetry.GetCorrelation(ctx)
	if corr == "" {
		corr = uuid.NewString()
		ctx = telemetry.WithCorrelation(ctx, corr)
	}
	ctx, span := telemetry.StartSpan(ctx, "router", "route_redemption", telemetry.RewardIDAttr(red.RewardID))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "router"), slog.String("reward_id", red.RewardID), slog.String("user", red.UserName))

	routed := Routed{Redemption: red, CorrelationID: corr}
	defer func() {
		r.record(ctx, routed)
		telemetry.SetSpanSuccess(span)
	}()

	if !r.Enabled() {
		log.Debug("routing disabled; redemption ignored")
		telemetry.IncLabel(telemetry.RedemptionsDropped, "disabled")
		routed.Outcome = Disabled
		return Disabled
	}

	current, err := r.ctrl.CurrentScene(ctx)
	if err != nil {
		// Only wildcard rules can match without a known active scene.
		log.Warn("read current scene failed", slog.Any("err", err))
	}
	routed.CurrentScene = current

	rule, ok := r.table.Match(red.RewardID, current)
	if !ok {
		log.Info("no rule matches redemption", slog.String("scene", current))
		telemetry.IncLabel(telemetry.RedemptionsDropped, "no_match")
		routed.Outcome = NoMatch
		return NoMatch
	}
	telemetry.Inc(telemetry.RedemptionsMatched)
	routed.TargetScene = rule.TargetScene

	res, err := r.engine.SwitchWithRevert(ctx, rule)
	switch {
	case errors.Is(err, scenes.ErrSceneNotFound):
		log.Warn("target scene not found", slog.String("target", rule.TargetScene))
		telemetry.IncLabel(telemetry.SceneSwitches, "not_found")
		routed.Outcome = SceneUnavailable
	case res != scenes.Started:
		telemetry.IncLabel(telemetry.SceneSwitches, res.String())
		routed.Outcome = Suppressed
	default:
		if err != nil {
			log.Warn("scene switch failed", slog.String("target", rule.TargetScene), slog.Any("err", err))
			telemetry.IncLabel(telemetry.SceneSwitches, "error")
		} else {
			telemetry.IncLabel(telemetry.SceneSwitches, res.String())
		}
		log.Info("redemption matched", slog.String("target", rule.TargetScene), slog.Int("revert_seconds", rule.RevertSeconds))
		routed.Outcome = Matched
	}
	return routed.Outcome
}

func (r *Router) record(ctx context.Context, routed Routed) {
	if r.pub != nil {
		r.pub.Publish(notify.Event{Kind: notify.KindRedemption, Data: routed})
	}
	if r.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := r.history.Record(hctx, db.Entry{
		RewardID:      routed.RewardID,
		RewardTitle:   routed.RewardTitle,
		UserName:      routed.UserName,
		UserInput:     routed.UserInput,
		Outcome:       routed.Outcome.String(),
		SourceScene:   routed.CurrentScene,
		TargetScene:   routed.TargetScene,
		CorrelationID: routed.CorrelationID,
	})
	if err != nil {
		slog.Warn("record redemption failed", slog.String("component", "router"), slog.Any("err", err))
	}
}
