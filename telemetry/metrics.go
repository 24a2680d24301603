// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RedemptionsReceived          prometheus.Counter
	RedemptionsMatched           prometheus.Counter
	RedemptionsDropped           *prometheus.CounterVec // reason
	EventSubConnects             prometheus.Counter
	EventSubReconnects           *prometheus.CounterVec // cause
	EventSubSubscriptionFailures prometheus.Counter
	SceneSwitches                *prometheus.CounterVec // result
	NotificationsDropped         prometheus.Counter

	// Histograms (seconds)
	SubscriptionDuration prometheus.Observer

	// Gauges
	EventSubConnectedGauge prometheus.Gauge // 1=connected,0=not
	TransitionStateGauge   prometheus.Gauge // scenes.State ordinal
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RedemptionsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "scene_switcher_redemptions_received_total", Help: "Redemption notifications parsed from EventSub"})
		RedemptionsMatched = promauto.NewCounter(prometheus.CounterOpts{Name: "scene_switcher_redemptions_matched_total", Help: "Redemptions that matched a rule"})
		RedemptionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scene_switcher_redemptions_dropped_total", Help: "Redemptions dropped before or during routing"}, []string{"reason"})
		EventSubConnects = promauto.NewCounter(prometheus.CounterOpts{Name: "scene_switcher_eventsub_connects_total", Help: "Successful EventSub WebSocket connects"})
		EventSubReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scene_switcher_eventsub_reconnects_total", Help: "EventSub reconnects scheduled"}, []string{"cause"})
		EventSubSubscriptionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "scene_switcher_eventsub_subscription_failures_total", Help: "Failed EventSub subscription requests"})
		SceneSwitches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scene_switcher_scene_switches_total", Help: "Scene switch attempts by result"}, []string{"result"})
		NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "scene_switcher_notifications_dropped_total", Help: "UI notifications dropped for slow subscribers"})
		SubscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scene_switcher_subscription_duration_seconds", Help: "EventSub subscription request duration seconds", Buckets: prometheus.DefBuckets})
		EventSubConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scene_switcher_eventsub_connected", Help: "EventSub socket connected=1 disconnected=0"})
		TransitionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scene_switcher_transition_state", Help: "Transition engine state (0 idle, 1 switched, 2 reverting, 3 suppressed)"})
	})
}

// Inc increments c if metrics are initialised.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncLabel increments the labelled child of v if metrics are initialised.
func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// SetEventSubConnected sets gauge to 1 if connected else 0.
func SetEventSubConnected(connected bool) {
	if EventSubConnectedGauge == nil {
		return
	}
	if connected {
		EventSubConnectedGauge.Set(1)
	} else {
		EventSubConnectedGauge.Set(0)
	}
}

// SetTransitionState records the engine state ordinal.
func SetTransitionState(n int) {
	if TransitionStateGauge != nil {
		TransitionStateGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
