package eventsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

// verifyNoLeaks must be called first so its cleanup runs after the fake
// servers close.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

// fakeEventSub is a WebSocket endpoint that hands every accepted connection
// to the test.
type fakeEventSub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeEventSub(t *testing.T) *fakeEventSub {
	t.Helper()
	f := &fakeEventSub{conns: make(chan *websocket.Conn, 8)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- c
		// Drain until the client goes away so control frames are answered.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				_ = c.Close()
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEventSub) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeEventSub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (f *fakeEventSub) expectNoConn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-f.conns:
		t.Fatal("unexpected connection")
	case <-time.After(within):
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func welcome(id string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome"},"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":10}}}`, id, id)
}

func notification(msgID, rewardID, user, input string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","subscription_type":"channel.channel_points_custom_reward_redemption.add"},
"payload":{"subscription":{"type":"channel.channel_points_custom_reward_redemption.add"},
"event":{"user_name":%q,"user_login":"viewer","user_input":%q,"reward":{"id":%q,"title":"Hydrate","cost":100}}}}`, msgID, user, input, rewardID)
}

func reconnect(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"r1","message_type":"session_reconnect"},"payload":{"session":{"id":"S1","status":"reconnecting","reconnect_url":%q}}}`, url)
}

type subCall struct {
	creds     Credentials
	sessionID string
}

type fakeSubscriber struct {
	calls chan subCall
	err   error
}

func newFakeSubscriber() *fakeSubscriber { return &fakeSubscriber{calls: make(chan subCall, 8)} }

func (f *fakeSubscriber) CreateRedemptionSubscription(_ context.Context, creds Credentials, sessionID string) error {
	f.calls <- subCall{creds: creds, sessionID: sessionID}
	return f.err
}

func (f *fakeSubscriber) next(t *testing.T) subCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not requested")
		return subCall{}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", s.State(), want)
}

var testCreds = Credentials{AccessToken: "tok", BroadcasterUserID: "1234", ClientID: "cid"}

func newTestSession(url string, sub Subscriber) *Session {
	return NewSession(sub, WithURL(url), WithReconnectDelay(20*time.Millisecond), WithPingInterval(100*time.Millisecond))
}

func TestWelcomeSubscribesAndNotificationsDeliver(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	sub := newFakeSubscriber()
	s := newTestSession(srv.url(), sub)
	got := make(chan Redemption, 8)
	s.OnRedemption(func(r Redemption) { got <- r })

	s.Start(testCreds)
	defer s.Stop()
	c := srv.accept(t)

	send(t, c, welcome("S1"))
	call := sub.next(t)
	if diff := cmp.Diff(subCall{creds: testCreds, sessionID: "S1"}, call, cmp.AllowUnexported(subCall{})); diff != "" {
		t.Fatalf("subscription mismatch (-want +got):\n%s", diff)
	}
	waitState(t, s, Subscribed)
	if s.SessionID() != "S1" {
		t.Fatalf("SessionID() = %q", s.SessionID())
	}

	send(t, c, notification("m1", "R1", "Alice", "hello"))
	select {
	case r := <-got:
		want := Redemption{MessageID: "m1", RewardID: "R1", RewardTitle: "Hydrate", UserName: "Alice", UserLogin: "viewer", UserInput: "hello"}
		if diff := cmp.Diff(want, r); diff != "" {
			t.Fatalf("redemption mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("redemption not delivered")
	}

	// Redelivery, garbage and a frame without reward id are all dropped.
	send(t, c, notification("m1", "R1", "Alice", "hello"))
	send(t, c, "not json")
	send(t, c, `{"metadata":{"message_id":"m2","message_type":"notification"},"payload":{"event":{"user_name":"Bob"}}}`)
	send(t, c, `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`)
	send(t, c, `{"metadata":{"message_type":"revocation"},"payload":{"subscription":{"type":"x","status":"authorization_revoked"}}}`)
	send(t, c, `{"metadata":{"message_id":"m3","message_type":"session_notification"},"payload":{"event":{"user_name":"Carol","reward":{"id":"R2"}}}}`)

	select {
	case r := <-got:
		if r.RewardID != "R2" || r.UserName != "Carol" || r.UserInput != "" {
			t.Fatalf("next redemption = %+v, want R2 from Carol", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session stopped processing after malformed frames")
	}
	if s.State() != Subscribed {
		t.Fatalf("state after malformed frames = %v", s.State())
	}
}

func TestSubscriptionFailureLeavesSessionConnected(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	sub := newFakeSubscriber()
	sub.err = errors.New("helix 403")
	s := newTestSession(srv.url(), sub)

	s.Start(testCreds)
	defer s.Stop()
	c := srv.accept(t)
	send(t, c, welcome("S1"))
	sub.next(t)

	time.Sleep(50 * time.Millisecond)
	if st := s.State(); st != Connected {
		t.Fatalf("state = %v, want connected", st)
	}
	select {
	case <-sub.calls:
		t.Fatal("subscription retried without a new welcome")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectURLUsedOnce(t *testing.T) {
	verifyNoLeaks(t)
	primary := newFakeEventSub(t)
	migrated := newFakeEventSub(t)
	sub := newFakeSubscriber()
	s := newTestSession(primary.url(), sub)

	s.Start(testCreds)
	defer s.Stop()

	c1 := primary.accept(t)
	send(t, c1, welcome("S1"))
	sub.next(t)
	send(t, c1, reconnect(migrated.url()))

	c2 := migrated.accept(t)
	send(t, c2, welcome("S2"))
	if call := sub.next(t); call.sessionID != "S2" {
		t.Fatalf("resubscribed with %q, want S2", call.sessionID)
	}
	if got := s.URL(); got != migrated.url() {
		t.Fatalf("URL() = %q, want migrated endpoint", got)
	}

	// The next drop goes back to the default endpoint.
	_ = c2.Close()
	c3 := primary.accept(t)
	send(t, c3, welcome("S3"))
	if call := sub.next(t); call.sessionID != "S3" {
		t.Fatalf("resubscribed with %q, want S3", call.sessionID)
	}
	migrated.expectNoConn(t, 100*time.Millisecond)
}

func TestStartIsIdempotent(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	s := newTestSession(srv.url(), newFakeSubscriber())

	s.Start(testCreds)
	s.Start(testCreds)
	defer s.Stop()

	srv.accept(t)
	srv.expectNoConn(t, 150*time.Millisecond)
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false")
	}
}

func TestStopDuringReconnectDelayDoesNotResurrect(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	s := NewSession(newFakeSubscriber(), WithURL(srv.url()), WithReconnectDelay(150*time.Millisecond), WithPingInterval(100*time.Millisecond))

	s.Start(testCreds)
	c := srv.accept(t)
	waitState(t, s, Connected)

	_ = c.Close()
	waitState(t, s, Connecting)
	s.Stop()

	srv.expectNoConn(t, 300*time.Millisecond)
	if s.IsRunning() || s.State() != Disconnected {
		t.Fatalf("after Stop: running=%v state=%v", s.IsRunning(), s.State())
	}

	// Stop on a stopped session is a no-op.
	s.Stop()
}

func TestDisconnectRetriesDefaultURL(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	s := newTestSession(srv.url(), newFakeSubscriber())

	s.Start(testCreds)
	defer s.Stop()
	for i := 0; i < 3; i++ {
		c := srv.accept(t)
		_ = c.Close()
	}
	srv.accept(t)
}

func TestStateChangesReported(t *testing.T) {
	verifyNoLeaks(t)
	srv := newFakeEventSub(t)
	sub := newFakeSubscriber()
	s := newTestSession(srv.url(), sub)
	states := make(chan State, 16)
	s.OnStateChange(func(st State) { states <- st })

	s.Start(testCreds)
	c := srv.accept(t)
	send(t, c, welcome("S1"))
	sub.next(t)
	waitState(t, s, Subscribed)
	s.Stop()
	close(states)

	var got []State
	for st := range states {
		got = append(got, st)
	}
	want := []State{Connecting, Connected, Subscribed, Disconnected}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

// newSilentEventSub accepts connections and then never reads, so pings go
// unanswered. Each connection is held open until the test ends.
func newSilentEventSub(t *testing.T) *fakeEventSub {
	t.Helper()
	f := &fakeEventSub{conns: make(chan *websocket.Conn, 8)}
	release := make(chan struct{})
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- c
		<-release
		_ = c.Close()
	}))
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(release) })
	return f
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	verifyNoLeaks(t)
	srv := newSilentEventSub(t)
	s := newTestSession(srv.url(), newFakeSubscriber())

	s.Start(testCreds)
	defer s.Stop()
	srv.accept(t)
	start := time.Now()
	srv.accept(t)
	// Read deadline is 2x the 100ms ping interval, plus the 20ms reconnect delay.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("half-open connection detected after %v", elapsed)
	}
}

func TestWelcomeKeepaliveWidensReadDeadline(t *testing.T) {
	verifyNoLeaks(t)
	srv := newSilentEventSub(t)
	s := newTestSession(srv.url(), newFakeSubscriber())

	s.Start(testCreds)
	defer s.Stop()
	c := srv.accept(t)
	send(t, c, `{"metadata":{"message_id":"w1","message_type":"session_welcome"},"payload":{"session":{"id":"S1","status":"connected","keepalive_timeout_seconds":1}}}`)
	waitState(t, s, Subscribed)

	// 1s keepalive + 100ms ping outlasts the bare 200ms ping deadline.
	srv.expectNoConn(t, 600*time.Millisecond)
	srv.accept(t)
}

func TestRecentIDsEviction(t *testing.T) {
	r := newRecentIDs(3)
	steps := []struct {
		id   string
		seen bool
	}{
		{"a", false},
		{"b", false},
		{"a", true},
		{"c", false},
		{"d", false}, // evicts a
		{"b", true},
		{"a", false}, // a was evicted; recording it evicts b
		{"b", false},
		{"", false},
		{"", false},
	}
	for i, step := range steps {
		if got := r.seen(step.id); got != step.seen {
			t.Fatalf("step %d: seen(%q) = %v, want %v", i, step.id, got, step.seen)
		}
	}
}

func TestDedupeWindowSize(t *testing.T) {
	r := newRecentIDs(dedupeWindow)
	r.seen("first")
	for i := 0; i < dedupeWindow-1; i++ {
		r.seen(fmt.Sprintf("m%d", i))
	}
	if !r.seen("first") {
		t.Fatal("id forgotten inside the window")
	}
	for i := 0; i < dedupeWindow; i++ {
		r.seen(fmt.Sprintf("n%d", i))
	}
	if r.seen("first") {
		t.Fatal("id remembered after the window moved past it")
	}
}

func TestPingAfterCloseIsQuiet(t *testing.T) {
	srv := newFakeEventSub(t)
	conn, _, err := websocket.DefaultDialer.Dial(srv.url(), nil)
	if err != nil {
		t.Fatal(err)
	}
	srv.accept(t)
	_ = conn.Close()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	defer slog.SetDefault(prev)

	s := NewSession(nil, WithPingInterval(10*time.Millisecond))
	s.wg.Add(1)
	s.pingLoop(conn, make(chan struct{}))
	if buf.Len() != 0 {
		t.Fatalf("closed connection logged at warn: %s", buf.String())
	}
}
