package scenes

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/onnwee/scene-switcher/rules"
)

// State is the transition engine state.
type State int

const (
	Idle State = iota
	Switched
	Reverting
	Suppressed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Switched:
		return "switched"
	case Reverting:
		return "reverting"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateChange is emitted on every transition and countdown tick.
type StateChange struct {
	State            State  `json:"state"`
	RemainingSeconds int    `json:"remaining_seconds"`
	TotalSeconds     int    `json:"total_seconds,omitempty"`
	TargetScene      string `json:"target_scene"`
	OriginalScene    string `json:"original_scene"`
}

// Result describes what SwitchWithRevert did with a request.
type Result int

const (
	// Started means a switch happened (with or without a revert armed).
	Started Result = iota
	// SuppressedRequest means a cycle was in flight and the request was acknowledged only.
	SuppressedRequest
	// Ignored means the engine was already suppressed.
	Ignored
)

func (r Result) String() string {
	switch r {
	case Started:
		return "started"
	case SuppressedRequest:
		return "suppressed"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

const revertTimeout = 5 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithSecond sets the length of one countdown second. Tests shrink it.
func WithSecond(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.second = d
		}
	}
}

// Engine switches to a target scene and restores the captured scene when the
// revert deadline fires. Requests arriving while a cycle is in flight are
// acknowledged (Suppressed) but never move the deadline.
//
// Listeners run with the engine lock held and must not block or call back
// into the engine. Scene-control calls are made without that lock, so State
// never waits on OBS.
type Engine struct {
	ctrl   Controller
	second time.Duration

	// switchMu serializes SwitchWithRevert callers across their OBS calls.
	switchMu sync.Mutex

	mu            sync.Mutex
	state         State
	resume        State // state restored when a suppression window ends
	original      string
	target        string
	total         int
	deadline      time.Time
	gen           uint64
	revertTimer   *time.Timer
	suppressTimer *time.Timer
	tickStop      chan struct{}
	listeners     []func(StateChange)
}

// NewEngine returns an idle engine driving ctrl.
func NewEngine(ctrl Controller, opts ...Option) *Engine {
	e := &Engine{ctrl: ctrl, second: time.Second}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnStateChange registers fn for state-change notifications.
func (e *Engine) OnStateChange(fn func(StateChange)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// State returns the current state and countdown.
func (e *Engine) State() StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// SwitchWithRevert runs the switch-now, revert-later cycle for rule. A scene
// switch failure is returned for reporting but the state machine proceeds as
// if the switch succeeded.
func (e *Engine) SwitchWithRevert(ctx context.Context, rule rules.Rule) (Result, error) {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	e.mu.Lock()
	switch e.state {
	case Switched, Reverting:
		e.resume = e.state
		e.state = Suppressed
		e.emitLocked(e.snapshotLocked())
		gen := e.gen
		e.suppressTimer = time.AfterFunc(e.second, func() { e.endSuppression(gen) })
		slog.Info("transition in flight; redemption suppressed", slog.String("component", "scenes"),
			slog.String("requested", rule.TargetScene), slog.String("active_target", e.target))
		e.mu.Unlock()
		return SuppressedRequest, nil
	case Suppressed:
		e.mu.Unlock()
		slog.Debug("transition already suppressed; ignoring", slog.String("component", "scenes"), slog.String("requested", rule.TargetScene))
		return Ignored, nil
	}
	startGen := e.gen
	e.mu.Unlock()

	// OBS round trips run without e.mu so State stays responsive.
	original, err := e.ctrl.CurrentScene(ctx)
	if err != nil {
		slog.Warn("read current scene failed", slog.String("component", "scenes"), slog.Any("err", err))
	}
	switchErr := SwitchScene(ctx, e.ctrl, rule.TargetScene)
	if switchErr != nil {
		slog.Warn("scene switch failed", slog.String("component", "scenes"), slog.String("target", rule.TargetScene), slog.Any("err", switchErr))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if startGen != e.gen {
		slog.Info("engine reset during switch; revert not armed", slog.String("component", "scenes"), slog.String("target", rule.TargetScene))
		return Started, switchErr
	}
	e.original = original
	e.target = rule.TargetScene

	if rule.RevertSeconds <= 0 {
		change := StateChange{State: Idle, TargetScene: e.target, OriginalScene: e.original}
		e.resetLocked()
		e.emitLocked(change)
		return Started, switchErr
	}

	e.gen++
	gen := e.gen
	e.state = Switched
	e.total = rule.RevertSeconds
	wait := time.Duration(rule.RevertSeconds) * e.second
	e.deadline = time.Now().Add(wait)
	e.revertTimer = time.AfterFunc(wait, func() { e.revert(gen) })
	stop := make(chan struct{})
	e.tickStop = stop
	go e.runTicker(gen, stop)

	e.emitLocked(StateChange{State: Switched, RemainingSeconds: rule.RevertSeconds, TotalSeconds: e.total, TargetScene: e.target, OriginalScene: e.original})
	return Started, switchErr
}

// Reset disarms every timer and returns the engine to Idle without touching
// the active scene.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasActive := e.state != Idle
	change := StateChange{State: Idle, TargetScene: e.target, OriginalScene: e.original}
	e.resetLocked()
	if wasActive {
		e.emitLocked(change)
	}
}

func (e *Engine) revert(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.stopTickerLocked()
	change := StateChange{State: Idle, TargetScene: e.target, OriginalScene: e.original}
	if e.state != Switched && e.state != Suppressed {
		slog.Warn("stray revert timer", slog.String("component", "scenes"), slog.String("state", e.state.String()))
		e.resetLocked()
		e.emitLocked(change)
		e.mu.Unlock()
		return
	}

	e.state = Reverting
	e.resume = Reverting
	e.emitLocked(StateChange{State: Reverting, TargetScene: e.target, OriginalScene: e.original})
	original := e.original
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
	defer cancel()
	if err := SwitchScene(ctx, e.ctrl, original); err != nil {
		slog.Warn("revert switch failed", slog.String("component", "scenes"), slog.String("scene", original), slog.Any("err", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.resetLocked()
	e.emitLocked(change)
}

func (e *Engine) endSuppression(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != Suppressed {
		return
	}
	e.state = e.resume
	e.emitLocked(e.snapshotLocked())
}

func (e *Engine) runTicker(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(e.second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.tick(gen)
		}
	}
}

func (e *Engine) tick(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != Switched {
		return
	}
	e.emitLocked(e.snapshotLocked())
}

func (e *Engine) remainingLocked() int {
	if e.state == Idle {
		return 0
	}
	left := time.Until(e.deadline)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(e.second)))
}

func (e *Engine) snapshotLocked() StateChange {
	return StateChange{
		State:            e.state,
		RemainingSeconds: e.remainingLocked(),
		TotalSeconds:     e.total,
		TargetScene:      e.target,
		OriginalScene:    e.original,
	}
}

func (e *Engine) stopTickerLocked() {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

// resetLocked invalidates every armed timer by bumping the generation.
func (e *Engine) resetLocked() {
	e.gen++
	if e.revertTimer != nil {
		e.revertTimer.Stop()
		e.revertTimer = nil
	}
	if e.suppressTimer != nil {
		e.suppressTimer.Stop()
		e.suppressTimer = nil
	}
	e.stopTickerLocked()
	e.state = Idle
	e.resume = Idle
	e.original = ""
	e.target = ""
	e.total = 0
	e.deadline = time.Time{}
}

func (e *Engine) emitLocked(change StateChange) {
	for _, fn := range e.listeners {
		fn(change)
	}
}
