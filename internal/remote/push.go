package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// pushEnvelope is the wire format of a relay push notification.
type pushEnvelope struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Reason string `json:"reason"` // created, updated, deleted
}

// PushListenerConfig configures a websocket push listener.
type PushListenerConfig struct {
	// URL is the relay websocket endpoint.
	URL string

	// ReconnectDelay is how long to wait before redialing after a
	// connection drops. Default: 5s.
	ReconnectDelay time.Duration

	// Logger for connection lifecycle and decode warnings.
	Logger *log.Logger
}

// PushListener receives push notifications from a relay endpoint over a
// websocket and republishes them as PushEvents.
//
// The relay delivers one JSON envelope per message. Delivery is best-effort:
// the listener drops malformed envelopes and reconnects with a fixed delay
// after any connection failure, so consumers must tolerate gaps. A periodic
// full reconciliation covers anything missed.
type PushListener struct {
	cfg PushListenerConfig
	ch  chan PushEvent
}

// NewPushListener creates a listener. Use Run to start it.
func NewPushListener(cfg PushListenerConfig) (*PushListener, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("push listener URL cannot be empty")
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &PushListener{
		cfg: cfg,
		ch:  make(chan PushEvent, 64),
	}, nil
}

// Events returns the channel push events are delivered on.
// The channel is closed when Run returns.
func (p *PushListener) Events() <-chan PushEvent {
	return p.ch
}

// Run dials the relay and pumps events until ctx is cancelled.
// Connection failures are logged and followed by a reconnect.
func (p *PushListener) Run(ctx context.Context) error {
	defer close(p.ch)

	for {
		if err := p.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.cfg.Logger.Printf("Connection lost: %v (reconnecting in %s)", err, p.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

// pump runs a single connection until it fails or ctx is cancelled.
func (p *PushListener) pump(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	p.cfg.Logger.Printf("Connected to relay: %s", p.cfg.URL)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := decodePush(data)
		if err != nil {
			p.cfg.Logger.Printf("Warning: dropping push envelope: %v", err)
			continue
		}

		select {
		case p.ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodePush parses a relay envelope into a PushEvent.
func decodePush(data []byte) (PushEvent, error) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return PushEvent{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	kind, err := KindFromString(env.Kind)
	if err != nil {
		return PushEvent{}, err
	}
	if env.Name == "" {
		return PushEvent{}, fmt.Errorf("envelope missing record name")
	}

	var reason PushReason
	switch env.Reason {
	case "created":
		reason = PushCreated
	case "updated":
		reason = PushUpdated
	case "deleted":
		reason = PushDeleted
	default:
		return PushEvent{}, fmt.Errorf("unknown push reason %q", env.Reason)
	}

	return PushEvent{
		Locator: Locator{Kind: kind, Name: env.Name},
		Reason:  reason,
	}, nil
}
