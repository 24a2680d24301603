// Package eventsub maintains the Twitch EventSub WebSocket session that
// delivers Channel Points redemptions.
//
// A Session dials the EventSub endpoint, creates the redemption subscription
// after every welcome, follows server-issued reconnect URLs and re-dials after
// any disconnect while running. The read loop's exit is the only reconnect
// trigger, so a migration and a network drop can never schedule two dials.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/scene-switcher/telemetry"
)

// DefaultURL is the public EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultReconnectDelay = 200 * time.Millisecond
	defaultPingInterval   = 5 * time.Second
	writeWait             = 5 * time.Second
	subscribeTimeout      = 15 * time.Second
	dedupeWindow          = 64
)

// State is the session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Migrating
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Migrating:
		return "migrating"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Credentials identify the broadcaster whose redemptions are subscribed.
type Credentials struct {
	AccessToken       string
	BroadcasterUserID string
	ClientID          string
}

// Subscriber creates the redemption subscription for a welcomed session.
type Subscriber interface {
	CreateRedemptionSubscription(ctx context.Context, creds Credentials, sessionID string) error
}

// Option configures a Session.
type Option func(*Session)

// WithURL overrides the default EventSub endpoint.
func WithURL(u string) Option {
	return func(s *Session) {
		if u != "" {
			s.defaultURL = u
		}
	}
}

// WithReconnectDelay sets the grace period between a disconnect and the next dial.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithPingInterval sets how often the client pings the server.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// Session is one EventSub WebSocket client. The zero value is not usable;
// construct with NewSession.
type Session struct {
	sub            Subscriber
	defaultURL     string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialer         *websocket.Dialer

	mu             sync.Mutex
	running        bool
	creds          Credentials
	state          State
	connURL        string
	pendingURL     string
	sessionID      string
	keepalive      time.Duration
	conn           *websocket.Conn
	gen            uint64
	reconnectTimer *time.Timer
	ctx            context.Context
	cancel         context.CancelFunc
	seen           *recentIDs
	redemptionFns  []func(Redemption)
	stateFns       []func(State)
	wg             sync.WaitGroup
}

// NewSession returns a stopped session that subscribes through sub.
func NewSession(sub Subscriber, opts ...Option) *Session {
	s := &Session{
		sub:            sub,
		defaultURL:     DefaultURL,
		reconnectDelay: defaultReconnectDelay,
		pingInterval:   defaultPingInterval,
		dialer:         websocket.DefaultDialer,
		seen:           newRecentIDs(dedupeWindow),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnRedemption registers fn for parsed redemptions. fn runs on the read loop
// and must return quickly.
func (s *Session) OnRedemption(fn func(Redemption)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redemptionFns = append(s.redemptionFns, fn)
}

// OnStateChange registers fn for connection state changes. fn runs with the
// session lock held and must not block or call back into the session.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFns = append(s.stateFns, fn)
}

// Start begins connecting and returns immediately. Calling Start on a running
// session logs and does nothing.
func (s *Session) Start(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		slog.Warn("eventsub session already running", slog.String("component", "eventsub"))
		return
	}
	s.running = true
	s.creds = creds
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.gen++
	target := s.defaultURL
	if s.pendingURL != "" {
		target = s.pendingURL
		s.pendingURL = ""
	}
	s.setStateLocked(Connecting)
	s.wg.Add(1)
	go s.connect(s.ctx, s.gen, target)
	slog.Info("eventsub session starting", slog.String("component", "eventsub"), slog.String("url", target))
}

// Stop tears the session down and waits for its goroutines. It is safe to call
// on a stopped session and concurrently with a pending reconnect.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.pendingURL = ""
	s.sessionID = ""
	s.connURL = ""
	conn := s.conn
	s.conn = nil
	s.cancel()
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
	s.wg.Wait()
	telemetry.SetEventSubConnected(false)
	slog.Info("eventsub session stopped", slog.String("component", "eventsub"))
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id from the latest welcome, or "" before one arrives.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// URL returns the endpoint of the live connection, or "" when disconnected.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connURL
}

// SetAccessToken replaces the token used for subsequent subscription requests.
func (s *Session) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = token
}

func (s *Session) connect(ctx context.Context, gen uint64, url string) {
	defer s.wg.Done()

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("eventsub dial failed", slog.String("component", "eventsub"), slog.String("url", url), slog.Any("err", err))
		}
		s.handleClose(gen)
		return
	}

	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connURL = url
	s.keepalive = 0
	s.setStateLocked(Connected)
	done := make(chan struct{})
	s.wg.Add(1)
	go s.pingLoop(conn, done)
	s.mu.Unlock()

	telemetry.Inc(telemetry.EventSubConnects)
	telemetry.SetEventSubConnected(true)
	slog.Info("eventsub connected", slog.String("component", "eventsub"), slog.String("url", url))

	s.readLoop(gen, conn)
	close(done)
	_ = conn.Close()
	telemetry.SetEventSubConnected(false)
	s.handleClose(gen)
}

// readTimeout is the longest silence tolerated before the socket is treated
// as half-open.
func (s *Session) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := 2 * s.pingInterval
	if k := s.keepalive + s.pingInterval; k > d {
		d = k
	}
	return d
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				slog.Info("eventsub connection closed", slog.String("component", "eventsub"), slog.Any("err", err))
			} else {
				slog.Debug("eventsub read ended", slog.String("component", "eventsub"), slog.Any("err", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleMessage(gen, conn, data)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				select {
				case <-done:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
					slog.Debug("eventsub ping after close", slog.String("component", "eventsub"))
					return
				}
				slog.Warn("eventsub ping failed", slog.String("component", "eventsub"), slog.Any("err", err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) handleMessage(gen uint64, conn *websocket.Conn, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		slog.Warn("eventsub frame dropped", slog.String("component", "eventsub"), slog.Any("err", err))
		return
	}
	switch env.Metadata.MessageType {
	case TypeWelcome:
		s.handleWelcome(gen, env)
	case TypeKeepalive:
		slog.Debug("eventsub keepalive", slog.String("component", "eventsub"))
	case TypeNotification, typeSessionNotification:
		s.handleNotification(env)
	case TypeReconnect:
		s.handleReconnect(gen, conn, env)
	case TypeRevocation:
		var p notificationPayload
		_ = json.Unmarshal(env.Payload, &p)
		slog.Warn("eventsub subscription revoked", slog.String("component", "eventsub"),
			slog.String("type", p.Subscription.Type), slog.String("status", p.Subscription.Status))
	default:
		slog.Debug("eventsub unknown message type", slog.String("component", "eventsub"), slog.String("type", env.Metadata.MessageType))
	}
}

func (s *Session) handleWelcome(gen uint64, env envelope) {
	p, err := decodeSession(env.Payload)
	if err != nil || p.Session.ID == "" {
		slog.Warn("eventsub welcome without session id", slog.String("component", "eventsub"), slog.Any("err", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || gen != s.gen {
		return
	}
	s.sessionID = p.Session.ID
	if k := p.Session.KeepaliveTimeoutSeconds; k != nil && *k > 0 {
		s.keepalive = time.Duration(*k) * time.Second
	}
	s.setStateLocked(Connected)
	slog.Info("eventsub welcome", slog.String("component", "eventsub"), slog.String("session_id", p.Session.ID))

	s.wg.Add(1)
	go s.subscribe(s.ctx, gen, s.creds, p.Session.ID)
}

// subscribe runs off the read loop so a slow Helix call never stalls frame
// processing. Failures are logged and left for the next welcome to retry.
func (s *Session) subscribe(ctx context.Context, gen uint64, creds Credentials, sessionID string) {
	defer s.wg.Done()
	if s.sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "eventsub", "create_subscription", telemetry.SessionIDAttr(sessionID))
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.SubscriptionDuration, func() {
		err = s.sub.CreateRedemptionSubscription(ctx, creds, sessionID)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.Inc(telemetry.EventSubSubscriptionFailures)
		slog.Error("eventsub subscription failed", slog.String("component", "eventsub"), slog.String("session_id", sessionID), slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && gen == s.gen && s.sessionID == sessionID {
		s.setStateLocked(Subscribed)
		slog.Info("eventsub subscribed", slog.String("component", "eventsub"), slog.String("type", RedemptionSubscriptionType))
	}
}

func (s *Session) handleNotification(env envelope) {
	r, err := decodeRedemption(env)
	if err != nil {
		slog.Warn("eventsub notification dropped", slog.String("component", "eventsub"), slog.Any("err", err))
		return
	}

	s.mu.Lock()
	dup := s.seen.seen(r.MessageID)
	fns := append([]func(Redemption){}, s.redemptionFns...)
	s.mu.Unlock()
	if dup {
		slog.Debug("eventsub duplicate notification", slog.String("component", "eventsub"), slog.String("message_id", r.MessageID))
		return
	}

	telemetry.Inc(telemetry.RedemptionsReceived)
	slog.Info("redemption received", slog.String("component", "eventsub"), slog.String("reward_id", r.RewardID), slog.String("user", r.UserName))
	for _, fn := range fns {
		fn(r)
	}
}

// handleReconnect records the migration target and closes the socket; the
// read loop's exit then dials the new URL.
func (s *Session) handleReconnect(gen uint64, conn *websocket.Conn, env envelope) {
	p, err := decodeSession(env.Payload)
	if err != nil || p.Session.ReconnectURL == "" {
		slog.Warn("eventsub reconnect without url", slog.String("component", "eventsub"), slog.Any("err", err))
		return
	}

	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pendingURL = p.Session.ReconnectURL
	s.setStateLocked(Migrating)
	s.mu.Unlock()

	slog.Info("eventsub migration requested", slog.String("component", "eventsub"), slog.String("url", p.Session.ReconnectURL))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migrating"), time.Now().Add(writeWait))
	_ = conn.Close()
}

// handleClose schedules the next dial for connection gen. Stale generations
// and stopped sessions do nothing.
func (s *Session) handleClose(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.conn = nil
	s.sessionID = ""
	s.connURL = ""
	if !s.running {
		s.setStateLocked(Disconnected)
		return
	}

	next, cause := s.defaultURL, "disconnect"
	if s.pendingURL != "" {
		next, cause = s.pendingURL, "migration"
		s.pendingURL = ""
	}
	s.gen++
	nextGen := s.gen
	s.setStateLocked(Connecting)
	telemetry.IncLabel(telemetry.EventSubReconnects, cause)
	slog.Info("eventsub reconnect scheduled", slog.String("component", "eventsub"),
		slog.String("cause", cause), slog.String("url", next), slog.Duration("delay", s.reconnectDelay))

	// Deferred so the dial never runs inside the callback that observed the close.
	s.reconnectTimer = time.AfterFunc(s.reconnectDelay, func() { s.reconnect(nextGen, next) })
}

func (s *Session) reconnect(gen uint64, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || gen != s.gen {
		return
	}
	s.reconnectTimer = nil
	s.wg.Add(1)
	go s.connect(s.ctx, gen, url)
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	for _, fn := range s.stateFns {
		fn(st)
	}
}
