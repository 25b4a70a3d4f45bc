package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/nats-chat-delivery/pkg/bus"
	"github.com/example/nats-chat-delivery/pkg/offline"
	"github.com/example/nats-chat-delivery/pkg/presence"
)

// Summary is the reconciliation-complete signal handed to the presentation
// layer.
type Summary struct {
	RecipientID string `json:"recipientId"`
	Delivered   int    `json:"deliveredCount"`
	Remaining   int    `json:"remainingCount"`
}

// PresenceEvent is the bus payload for presence.online / presence.offline.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Registry presence.Registry
	Queue    offline.Queue
	Records  Records
	Bus      bus.Bus
	Sender   Sender
	Replica  string
	// StoreTimeout bounds the register and drain round-trips.
	StoreTimeout time.Duration
}

// Reconciler runs once per reconnection: register the new handle, then drain
// the recipient's offline queue through the same live path Dispatch uses.
// Registration strictly precedes draining: until the handle is registered,
// concurrent dispatches must keep queueing, and once it is, they go live and
// can never appear in this drain.
type Reconciler struct {
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Reconciler{cfg: cfg}
}

// Reconcile walks Registering, Draining, Delivering, Settled. A send failure
// mid-drain stops the loop and leaves the remaining envelopes queued for the
// next reconnection: partial delivery is fine, partial loss is not.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, handle presence.Handle) (Summary, error) {
	// Registering. Nothing may be drained before this returns.
	rctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	err := r.cfg.Registry.Register(rctx, userID, handle)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile %s: register: %w", userID, err)
	}

	// Draining.
	dctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	envs, err := r.cfg.Queue.Drain(dctx, userID)
	cancel()
	if err != nil {
		// Presence is established; the queued backlog stays put until the
		// next reconnection.
		return Summary{RecipientID: userID}, fmt.Errorf("reconcile %s: drain: %w", userID, err)
	}

	// Delivering, in enqueue order.
	delivered := 0
	remaining := 0
	for i, env := range envs {
		if rec, ok, err := r.cfg.Records.Get(ctx, env.ID, userID); err == nil && ok && rec.Status == StatusDelivered {
			// Already delivered on a previous attempt that crashed before
			// acknowledging: skip the side effect, just remove it.
			r.acknowledge(ctx, env)
			continue
		}

		if err := r.cfg.Sender.Send(ctx, handle, env.Payload); err != nil {
			remaining = len(envs) - i
			slog.Info("Connection dropped mid-drain, leaving remainder queued",
				"user", userID, "delivered", delivered, "remaining", remaining, "error", err)
			break
		}

		if _, err := r.cfg.Records.MarkDelivered(ctx, env.ID, userID); err != nil {
			slog.Warn("Failed to record drained delivery", "envelope", env.ID, "error", err)
		}
		r.acknowledge(ctx, env)
		delivered++
	}

	// Settled.
	summary := Summary{RecipientID: userID, Delivered: delivered, Remaining: remaining}
	r.announce(ctx, userID, summary)
	return summary, nil
}

func (r *Reconciler) acknowledge(ctx context.Context, env offline.Envelope) {
	if err := r.cfg.Queue.Acknowledge(ctx, env); err != nil {
		// Worst case the envelope is drained again and deduped by its
		// delivery record.
		slog.Warn("Failed to acknowledge envelope", "envelope", env.ID, "error", err)
	}
}

func (r *Reconciler) announce(ctx context.Context, userID string, summary Summary) {
	if online, err := bus.NewEnvelope(bus.EventPresenceOnline, r.cfg.Replica, PresenceEvent{UserID: userID}); err == nil {
		if err := r.cfg.Bus.Publish(ctx, bus.EventPresenceOnline, online); err != nil {
			slog.Debug("Bus degraded, online event not fanned out", "user", userID, "error", err)
		}
	}
	if done, err := bus.NewEnvelope(bus.EventReconciled, r.cfg.Replica, summary); err == nil {
		if err := r.cfg.Bus.Publish(ctx, bus.UserSubject(bus.EventReconciled, userID), done); err != nil {
			slog.Debug("Bus degraded, reconciled event not fanned out", "user", userID, "error", err)
		}
	}
}
