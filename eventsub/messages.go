package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried in metadata.message_type.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeNotification = "notification"
	TypeReconnect    = "session_reconnect"
	TypeRevocation   = "revocation"

	// typeSessionNotification is accepted as an alias of TypeNotification.
	typeSessionNotification = "session_notification"
)

// RedemptionSubscriptionType is the EventSub type this client subscribes to.
const RedemptionSubscriptionType = "channel.channel_points_custom_reward_redemption.add"

var errMalformed = errors.New("malformed eventsub frame")

type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	MessageTimestamp string `json:"message_timestamp"`
	SubscriptionType string `json:"subscription_type,omitempty"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds *int   `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event *redemptionEvent `json:"event"`
}

type redemptionEvent struct {
	ID                string `json:"id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	UserInput         string `json:"user_input"`
	Status            string `json:"status"`
	RedeemedAt        string `json:"redeemed_at"`
	Reward            *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

// Redemption is one parsed Channel Points redemption.
type Redemption struct {
	MessageID   string `json:"message_id,omitempty"`
	RewardID    string `json:"reward_id"`
	RewardTitle string `json:"reward_title,omitempty"`
	UserName    string `json:"user_name"`
	UserLogin   string `json:"user_login,omitempty"`
	UserInput   string `json:"user_input"`
	RedeemedAt  string `json:"redeemed_at,omitempty"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Metadata.MessageType == "" {
		return env, fmt.Errorf("%w: missing message_type", errMalformed)
	}
	return env, nil
}

func decodeSession(raw json.RawMessage) (sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return p, nil
}

// decodeRedemption extracts the redemption from a notification payload.
// Only reward.id is required; absent user fields decode as empty.
func decodeRedemption(env envelope) (Redemption, error) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return Redemption{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.Event == nil || p.Event.Reward == nil || p.Event.Reward.ID == "" {
		return Redemption{}, fmt.Errorf("%w: missing event.reward.id", errMalformed)
	}
	return Redemption{
		MessageID:   env.Metadata.MessageID,
		RewardID:    p.Event.Reward.ID,
		RewardTitle: p.Event.Reward.Title,
		UserName:    p.Event.UserName,
		UserLogin:   p.Event.UserLogin,
		UserInput:   p.Event.UserInput,
		RedeemedAt:  p.Event.RedeemedAt,
	}, nil
}

// recentIDs remembers the last n message ids in insertion order.
type recentIDs struct {
	n    int
	ring []string
	set  map[string]struct{}
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{n: n, set: make(map[string]struct{}, n)}
}

// seen reports whether id was already recorded, recording it otherwise.
func (r *recentIDs) seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.set[id]; ok {
		return true
	}
	if len(r.ring) == r.n {
		delete(r.set, r.ring[0])
		r.ring = r.ring[1:]
	}
	r.ring = append(r.ring, id)
	r.set[id] = struct{}{}
	return false
}
