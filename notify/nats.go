package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBridge forwards hub events as JSON to a NATS subject so overlays and
// bots on other machines can react to redemptions and transitions.
type NATSBridge struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBridge connects to url. The connection keeps reconnecting in the
// background after the first successful dial.
func NewNATSBridge(url, subject string) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("scene-switcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("component", "notify"), slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", slog.String("component", "notify"), slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", url, err)
	}
	return &NATSBridge{nc: nc, subject: subject}, nil
}

// Publish sends one event.
func (b *NATSBridge) Publish(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(b.subject)
	msg.Data = body
	msg.Header.Set("Event-Kind", string(ev.Kind))
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	return nil
}

// Run forwards events from hub until ctx is done.
func (b *NATSBridge) Run(ctx context.Context, hub *Hub) {
	events, cancel := hub.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.Publish(ev); err != nil {
				slog.Warn("nats publish failed", slog.String("component", "notify"), slog.String("kind", string(ev.Kind)), slog.Any("err", err))
			}
		}
	}
}

// Close flushes pending messages and closes the connection.
func (b *NATSBridge) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
