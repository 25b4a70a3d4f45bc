// Package bus is the cross-replica fan-out channel. Delivery is best-effort
// at-most-once: durability lives in the presence registry and the offline
// queue, never here, so a degraded bus only narrows the system to
// single-replica delivery.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Event types carried over the bus.
const (
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
	EventLiveDeliver     = "deliver.live"
	EventReconciled      = "deliver.reconciled"
)

// UserSubject scopes a delivery event subject to one user, e.g.
// deliver.live.alice. Presence events stay on their flat subjects; delivery
// events are per-user so subscribers can filter by subject instead of
// unmarshalling every payload.
func UserSubject(eventType, userID string) string {
	return eventType + "." + userID
}

// Envelope is one bus message. OriginReplica lets subscribers skip events
// they published themselves; the origin already applied the effect locally.
type Envelope struct {
	Type          string          `json:"type"`
	OriginReplica string          `json:"originReplica"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"` // unix millis
}

// NewEnvelope marshals payload and stamps the envelope.
func NewEnvelope(eventType, originReplica string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:          eventType,
		OriginReplica: originReplica,
		Payload:       data,
		Timestamp:     time.Now().UnixMilli(),
	}, nil
}

// Handler consumes one envelope. Handlers run on the bus's delivery
// goroutine and must not block for long.
type Handler func(Envelope)

// Bus fans envelopes out to subscribers on other replicas. Publish never
// blocks the caller on subscriber failure; within one subject and one
// publisher, delivery order is preserved.
type Bus interface {
	// Publish sends the envelope on subject, fire-and-forget. An error means
	// the bus is degraded; callers log and continue, they never fail a
	// dispatch over it.
	Publish(ctx context.Context, subject string, env Envelope) error

	// Subscribe registers handler for subject. Envelopes originating from
	// the local replica are skipped. The returned function unsubscribes.
	Subscribe(subject string, handler Handler) (func(), error)
}
