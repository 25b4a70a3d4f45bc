// Package offline holds messages that could not be delivered live until their
// recipient reconnects. Storage is bounded two ways on purpose: envelopes
// expire after a retention window, and each recipient has a capacity cap.
// Both bounds lose data, and both log when they bite.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EvictPolicy decides what happens when a recipient's queue is full.
type EvictPolicy string

const (
	// EvictOldest drops the oldest envelope to make room for the new one.
	// New messages are worth more than very old ones.
	EvictOldest EvictPolicy = "evict-oldest"
	// RejectNew refuses the new envelope instead.
	RejectNew EvictPolicy = "reject-new"
)

// ErrQueueFull is returned by Enqueue under the RejectNew policy when the
// recipient's queue is at capacity.
var ErrQueueFull = errors.New("offline queue at capacity for recipient")

// Envelope is one message queued for one recipient. ExpiresAt is fixed at
// enqueue time and never extended; envelopes past it are invisible to Drain.
type Envelope struct {
	ID             string          `json:"envelopeId"`
	RecipientID    string          `json:"recipientId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     int64           `json:"enqueuedAt"` // unix millis
	ExpiresAt      int64           `json:"expiresAt"`  // unix millis

	// StreamSeq locates the envelope in the backing stream for Acknowledge.
	// Assigned by the queue, not serialized.
	StreamSeq uint64 `json:"-"`
}

// Expired reports whether the envelope is past its retention window.
func (e *Envelope) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// Queue is the per-recipient holding area for undeliverable messages.
// Drain is non-destructive: removal happens only through Acknowledge, so a
// crash mid-drain never loses messages (at-least-once).
type Queue interface {
	// Enqueue durably appends env for env.RecipientID, assigning env.ID if
	// the caller did not supply one, and stamping EnqueuedAt/ExpiresAt. At
	// capacity the configured policy applies; eviction is logged as data
	// loss, never silent.
	Enqueue(ctx context.Context, env *Envelope) (string, error)

	// Drain returns all non-expired envelopes for the recipient in enqueue
	// order without removing them.
	Drain(ctx context.Context, recipientID string) ([]Envelope, error)

	// Acknowledge removes one envelope after its delivery was confirmed.
	// Acknowledging an already-removed envelope is a no-op.
	Acknowledge(ctx context.Context, env Envelope) error

	// Sweep reclaims expired envelopes and returns them so delivery records
	// can be transitioned to expired.
	Sweep(ctx context.Context) ([]Envelope, error)
}
