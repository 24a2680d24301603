package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/scene-switcher/eventsub"
)

func TestCreateRedemptionSubscription(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantErr     bool
		errContains string
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "already exists", status: http.StatusConflict},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true, errContains: "403"},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true, errContains: "missing scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/helix/eventsub/subscriptions" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Client-Id") != "creds-client" {
					t.Errorf("Client-Id = %q, want creds-client", r.Header.Get("Client-Id"))
				}
				if r.Header.Get("Authorization") != "Bearer user-token" {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
				}
				if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
					t.Errorf("decode body: %v", err)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"x","message":"missing scope"}`))
			}))
			defer server.Close()

			client := &HelixClient{BaseURL: server.URL + "/helix", ClientID: "app-client"}
			err := client.CreateRedemptionSubscription(context.Background(), eventsub.Credentials{
				AccessToken: "user-token", BroadcasterUserID: "1234", ClientID: "creds-client",
			}, "S1")

			if tt.wantErr {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
					t.Fatalf("error = %v, want APIError %d", err, tt.status)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := map[string]any{
				"type":      "channel.channel_points_custom_reward_redemption.add",
				"version":   "1",
				"condition": map[string]any{"broadcaster_user_id": "1234"},
				"transport": map[string]any{"method": "websocket", "session_id": "S1"},
			}
			if diff := cmp.Diff(want, gotBody); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateEventSubSubscriptionRequiresIDs(t *testing.T) {
	client := &HelixClient{BaseURL: "http://127.0.0.1:1"}
	if err := client.CreateEventSubSubscription(context.Background(), "tok", Subscription{Type: "x", Version: "1"}); err == nil {
		t.Fatal("expected error for missing session and broadcaster")
	}
}

func TestListCustomRewards(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channel_points/custom_rewards" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "1234" {
			t.Errorf("broadcaster_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "R1", "title": "Hydrate", "cost": 100, "is_enabled": true},
				{"id": "R2", "title": "Camera", "cost": 500, "is_paused": true},
			},
		})
	}))
	defer server.Close()

	client := &HelixClient{BaseURL: server.URL, ClientID: "cid"}
	got, err := client.ListCustomRewards(context.Background(), "tok", "1234")
	if err != nil {
		t.Fatalf("ListCustomRewards() error: %v", err)
	}
	want := []CustomReward{
		{ID: "R1", Title: "Hydrate", Cost: 100, IsEnabled: true},
		{ID: "R2", Title: "Camera", Cost: 500, IsPaused: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rewards mismatch (-want +got):\n%s", diff)
	}

	if _, err := client.ListCustomRewards(context.Background(), "tok", ""); err == nil {
		t.Error("expected error for empty broadcaster id")
	}
}

func TestListCustomRewardsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &HelixClient{BaseURL: server.URL}
	_, err := client.ListCustomRewards(context.Background(), "bad", "1234")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("error = %v, want 401 APIError", err)
	}
}
