// Package twitchapi contains the Twitch Helix and id.twitch.tv calls the scene
// switcher needs: EventSub subscription management, custom reward listing and
// user token validation/revocation. Every call uses the broadcaster's user token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/scene-switcher/eventsub"
)

const (
	defaultHelixBaseURL = "https://api.twitch.tv/helix"
	defaultAuthBaseURL  = "https://id.twitch.tv/oauth2"
)

// HelixClient calls Helix on behalf of one application (ClientID).
type HelixClient struct {
	BaseURL     string // Helix root, default https://api.twitch.tv/helix
	AuthBaseURL string // OAuth root, default https://id.twitch.tv/oauth2
	ClientID    string
	HTTPClient  *http.Client
}

// APIError is a non-success Helix or OAuth response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), strings.TrimSpace(e.Body))
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) helixURL(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = defaultHelixBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

func (hc *HelixClient) authURL(path string) string {
	base := hc.AuthBaseURL
	if base == "" {
		base = defaultAuthBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// do sends req and decodes a JSON body into out (if non-nil) when the status
// is one of ok. Other statuses become *APIError.
func (hc *HelixClient) do(req *http.Request, out any, ok ...int) error {
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (hc *HelixClient) newHelixRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, hc.helixURL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Subscription is an EventSub subscription request over the WebSocket transport.
type Subscription struct {
	Type              string
	Version           string
	BroadcasterUserID string
	SessionID         string
}

type subscriptionBody struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// CreateEventSubSubscription posts sub to /eventsub/subscriptions. A 409
// (subscription already exists, as after a migration) counts as success.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, token string, sub Subscription) error {
	if sub.SessionID == "" || sub.BroadcasterUserID == "" {
		return fmt.Errorf("subscription requires session id and broadcaster id")
	}
	var body subscriptionBody
	body.Type = sub.Type
	body.Version = sub.Version
	body.Condition.BroadcasterUserID = sub.BroadcasterUserID
	body.Transport.Method = "websocket"
	body.Transport.SessionID = sub.SessionID
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := hc.newHelixRequest(ctx, http.MethodPost, "/eventsub/subscriptions", token, bytes.NewReader(b))
	if err != nil {
		return err
	}
	err = hc.do(req, nil, http.StatusAccepted, http.StatusOK, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("create %s subscription: %w", sub.Type, err)
	}
	return nil
}

// CreateRedemptionSubscription subscribes sessionID to the broadcaster's
// Channel Points redemptions. It satisfies eventsub.Subscriber.
func (hc *HelixClient) CreateRedemptionSubscription(ctx context.Context, creds eventsub.Credentials, sessionID string) error {
	client := *hc
	if creds.ClientID != "" {
		client.ClientID = creds.ClientID
	}
	return client.CreateEventSubSubscription(ctx, creds.AccessToken, Subscription{
		Type:              eventsub.RedemptionSubscriptionType,
		Version:           "1",
		BroadcasterUserID: creds.BroadcasterUserID,
		SessionID:         sessionID,
	})
}

// CustomReward is a Channel Points reward defined on the channel.
type CustomReward struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cost      int    `json:"cost"`
	IsEnabled bool   `json:"is_enabled"`
	IsPaused  bool   `json:"is_paused"`
	Prompt    string `json:"prompt,omitempty"`
}

// ListCustomRewards returns every custom reward on the broadcaster's channel.
func (hc *HelixClient) ListCustomRewards(ctx context.Context, token, broadcasterID string) ([]CustomReward, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	req, err := hc.newHelixRequest(ctx, http.MethodGet, "/channel_points/custom_rewards", token, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	var body struct {
		Data []CustomReward `json:"data"`
	}
	if err := hc.do(req, &body, http.StatusOK); err != nil {
		return nil, fmt.Errorf("list custom rewards: %w", err)
	}
	if body.Data == nil {
		body.Data = []CustomReward{}
	}
	return body.Data, nil
}
