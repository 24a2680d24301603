// Package notify carries core events (redemptions, transitions, auth and
// session changes) to UI consumers. Publishing never blocks: a subscriber that
// falls behind loses events rather than stalling the core.
package notify

import (
	"sync"
	"time"

	"github.com/onnwee/scene-switcher/telemetry"
)

// Kind names an event type.
type Kind string

const (
	KindRedemption     Kind = "redemption"
	KindTransition     Kind = "transition"
	KindAuthSucceeded  Kind = "auth_succeeded"
	KindAuthFailed     Kind = "auth_failed"
	KindLoggedOut      Kind = "logged_out"
	KindEnabledChanged Kind = "enabled_changed"
	KindSessionState   Kind = "session_state"
	KindRulesReloaded  Kind = "rules_reloaded"
)

// Event is one notification. Data must be JSON-encodable.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher is the sending side used by core components.
type Publisher interface {
	Publish(Event)
}

// Hub fans events out to subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish delivers ev to every subscriber with buffer space and drops it for
// the rest. A zero Time is set to now.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			telemetry.Inc(telemetry.NotificationsDropped)
		}
	}
}

// Subscribe returns a channel receiving future events and a cancel func that
// unregisters and closes it. buffer below 1 is raised to 1.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel; later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
