package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chat-delivery/pkg/bus"
	"github.com/example/nats-chat-delivery/pkg/offline"
	"github.com/example/nats-chat-delivery/pkg/presence"
)

// Sender is the connection layer's live-send primitive: hand payload to one
// connection handle, return an error if the socket write did not happen.
type Sender interface {
	Send(ctx context.Context, handle presence.Handle, payload json.RawMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, handle presence.Handle, payload json.RawMessage) error

func (f SenderFunc) Send(ctx context.Context, handle presence.Handle, payload json.RawMessage) error {
	return f(ctx, handle, payload)
}

// Request is one outbound message for one recipient. MessageID is the
// origin's globally unique identity; when empty one is assigned, and it
// becomes the envelope id if the message is queued.
type Request struct {
	MessageID      string          `json:"messageId,omitempty"`
	RecipientID    string          `json:"recipientId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
}

// Outcome is returned to the message origin service per dispatch.
type Outcome struct {
	Live       bool   `json:"live"`
	EnvelopeID string `json:"envelopeId"`
}

// LiveEvent is the bus payload announcing a completed live delivery.
type LiveEvent struct {
	MessageID      string `json:"messageId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry presence.Registry
	Queue    offline.Queue
	Records  Records
	Bus      bus.Bus
	Sender   Sender
	Replica  string
	// StoreTimeout bounds each presence round-trip. A timed-out lookup
	// treats the recipient as unreachable and queues the message: fail
	// toward durability, never toward silent loss.
	StoreTimeout time.Duration
	// Breaker is optional; when open, presence lookups are skipped entirely.
	Breaker *CircuitBreaker
}

// Dispatcher decides, per message per recipient, between live delivery and
// the offline queue. Reachability is re-checked on every call; no result is
// cached across the enqueue decision, which is what makes the reconnect race
// safe.
type Dispatcher struct {
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch routes one message. The returned error is reserved for total
// backend unavailability (nowhere durable to put the message); every other
// failure degrades to queuing.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.RecipientID == "" {
		return Outcome{}, fmt.Errorf("dispatch: empty recipient")
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	rec, online := d.lookup(ctx, req.RecipientID)
	if online {
		if d.sendLive(ctx, rec, req) {
			d.afterLive(ctx, req)
			return Outcome{Live: true, EnvelopeID: req.MessageID}, nil
		}
		// Every live handle failed: the presence record is stale or the
		// connections dropped mid-send. Fall through to the queue.
		slog.Info("Live delivery failed for all handles, queueing", "recipient", req.RecipientID, "message", req.MessageID)
	}

	env := offline.Envelope{
		ID:             req.MessageID,
		RecipientID:    req.RecipientID,
		ConversationID: req.ConversationID,
		Payload:        req.Payload,
	}
	id, err := d.cfg.Queue.Enqueue(ctx, &env)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch for %s: %w", req.RecipientID, err)
	}
	if err := d.cfg.Records.MarkPending(ctx, id, req.RecipientID); err != nil {
		slog.Warn("Failed to record pending delivery", "envelope", id, "error", err)
	}
	return Outcome{Live: false, EnvelopeID: id}, nil
}

// lookup asks the registry for the recipient's record under the store
// timeout and breaker. Any failure reads as offline.
func (d *Dispatcher) lookup(ctx context.Context, recipientID string) (presence.Record, bool) {
	if d.cfg.Breaker != nil && !d.cfg.Breaker.Allow() {
		return presence.Record{}, false
	}

	lctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	rec, online, err := d.cfg.Registry.Lookup(lctx, recipientID)
	if err != nil {
		if d.cfg.Breaker != nil {
			d.cfg.Breaker.RecordFailure()
		}
		slog.Warn("Presence lookup failed, treating recipient as unreachable", "recipient", recipientID, "error", err)
		return presence.Record{}, false
	}
	if d.cfg.Breaker != nil {
		d.cfg.Breaker.RecordSuccess()
	}
	return rec, online
}

// sendLive tries the recipient's handles in order and reports whether any
// accepted the payload.
func (d *Dispatcher) sendLive(ctx context.Context, rec presence.Record, req Request) bool {
	for _, handle := range rec.Handles {
		if err := d.cfg.Sender.Send(ctx, handle, req.Payload); err != nil {
			slog.Debug("Live send failed", "recipient", req.RecipientID, "replica", handle.ReplicaID, "handle", handle.HandleID, "error", err)
			continue
		}
		return true
	}
	return false
}

// afterLive records the delivery and announces it. Both are best-effort: the
// payload is already on the wire.
func (d *Dispatcher) afterLive(ctx context.Context, req Request) {
	if _, err := d.cfg.Records.MarkDelivered(ctx, req.MessageID, req.RecipientID); err != nil {
		slog.Warn("Failed to record live delivery", "message", req.MessageID, "error", err)
	}
	env, err := bus.NewEnvelope(bus.EventLiveDeliver, d.cfg.Replica, LiveEvent{
		MessageID:      req.MessageID,
		RecipientID:    req.RecipientID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return
	}
	if err := d.cfg.Bus.Publish(ctx, bus.UserSubject(bus.EventLiveDeliver, req.RecipientID), env); err != nil {
		slog.Debug("Bus degraded, live event not fanned out", "message", req.MessageID, "error", err)
	}
}
