package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-delivery/pkg/telemetry"
)

// NATSBus fans envelopes out over core NATS subjects. Core NATS gives exactly
// the contract the bus needs: per-publisher FIFO within a subject, no
// delivery guarantee, and a client-side buffer that never blocks the
// publisher on slow subscribers.
type NATSBus struct {
	nc      *nats.Conn
	replica string
}

// NewNATSBus wraps an established connection. replica is the local replica
// id, used to drop self-originated envelopes on receive.
func NewNATSBus(nc *nats.Conn, replica string) *NATSBus {
	return &NATSBus{nc: nc, replica: replica}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus publish %s: %w", subject, err)
	}
	if err := telemetry.TracedPublish(ctx, b.nc, subject, data); err != nil {
		return fmt.Errorf("bus publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("Dropping malformed bus envelope", "subject", msg.Subject, "error", err)
			return
		}
		if env.OriginReplica == b.replica {
			return // the origin already applied the effect locally
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("bus subscribe %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("Bus unsubscribe failed", "subject", subject, "error", err)
		}
	}, nil
}
