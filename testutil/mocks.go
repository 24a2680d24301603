package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockTwitchServer fakes the Twitch surfaces the switcher talks to: Helix
// under /helix, OAuth under /oauth2 and an EventSub WebSocket at /ws that
// sends a welcome on connect.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	// SubscriptionStatus is returned by POST /helix/eventsub/subscriptions.
	SubscriptionStatus int

	mu            sync.Mutex
	subscriptions []map[string]any
	revoked       []string
	conn          *websocket.Conn
	sessions      int
	msgSeq        int
}

// NewMockTwitchServer creates a new mock Twitch server with the default
// EventSub, validate and revoke handlers installed.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:           make(map[string]http.HandlerFunc),
		SubscriptionStatus: http.StatusAccepted,
	}
	m.Handlers["/ws"] = m.serveWS
	m.Handlers["/helix/eventsub/subscriptions"] = m.serveSubscription
	m.Handlers["/oauth2/revoke"] = m.serveRevoke
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Close drops the live WebSocket before shutting the server down.
func (m *MockTwitchServer) Close() {
	m.DropConnection()
	m.Server.Close()
}

// Handle installs h for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// HelixURL is the Helix base URL.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the OAuth base URL.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// WSURL is the EventSub WebSocket URL.
func (m *MockTwitchServer) WSURL() string { return "ws" + strings.TrimPrefix(m.URL, "http") + "/ws" }

// MockValidate answers /oauth2/validate for token with the given identity;
// every other token is rejected with 401.
func (m *MockTwitchServer) MockValidate(token, userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+token {
			http.Error(w, `{"status":401,"message":"invalid access token"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"client_id": "test-client-id", "login": login, "user_id": userID,
			"scopes": []string{"channel:read:redemptions"}, "expires_in": 3600,
		})
	})
}

// MockRewards answers /helix/channel_points/custom_rewards.
func (m *MockTwitchServer) MockRewards(rewards []map[string]any) {
	m.Handle("/helix/channel_points/custom_rewards", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": rewards})
	})
}

// MockOAuthTokenResponse answers /oauth2/token with a fixed token pair.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"channel:read:redemptions"},
		})
	})
}

// Subscriptions returns the decoded subscription request bodies.
func (m *MockTwitchServer) Subscriptions() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any{}, m.subscriptions...)
}

// Revoked returns the tokens passed to /oauth2/revoke.
func (m *MockTwitchServer) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.revoked...)
}

// Sessions returns how many WebSocket sessions were accepted.
func (m *MockTwitchServer) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// SendRedemption pushes a redemption notification on the live socket.
func (m *MockTwitchServer) SendRedemption(rewardID, userName, userInput string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("no eventsub connection")
	}
	m.msgSeq++
	frame := map[string]any{
		"metadata": map[string]any{
			"message_id":        fmt.Sprintf("msg-%d", m.msgSeq),
			"message_type":      "notification",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"subscription_type": "channel.channel_points_custom_reward_redemption.add",
		},
		"payload": map[string]any{
			"subscription": map[string]any{"type": "channel.channel_points_custom_reward_redemption.add", "version": "1"},
			"event": map[string]any{
				"user_name":  userName,
				"user_input": userInput,
				"reward":     map[string]any{"id": rewardID, "title": "Reward " + rewardID, "cost": 100},
			},
		},
	}
	return m.conn.WriteJSON(frame)
}

// DropConnection closes the live socket as a network failure would.
func (m *MockTwitchServer) DropConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *MockTwitchServer) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.sessions++
	id := fmt.Sprintf("session-%d", m.sessions)
	m.conn = c
	err = c.WriteJSON(map[string]any{
		"metadata": map[string]any{"message_id": "welcome-" + id, "message_type": "session_welcome"},
		"payload": map[string]any{"session": map[string]any{
			"id": id, "status": "connected", "keepalive_timeout_seconds": 10,
		}},
	})
	m.mu.Unlock()
	if err != nil {
		_ = c.Close()
		return
	}
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			_ = c.Close()
			m.mu.Lock()
			if m.conn == c {
				m.conn = nil
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *MockTwitchServer) serveSubscription(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, body)
	status := m.SubscriptionStatus
	m.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"data":[]}`))
}

func (m *MockTwitchServer) serveRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.revoked = append(m.revoked, r.PostForm.Get("token"))
	m.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
