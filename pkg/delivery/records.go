// Package delivery implements the decision core: Dispatch routes each
// outbound message either to a live connection or into the offline queue, and
// the Reconciler replays queued messages on reconnection. Delivery records
// are the dedup guard that keeps at-least-once delivery from producing
// duplicate effects.
package delivery

import (
	"context"
	"sync"
)

// Status of one message-recipient delivery. Transitions are monotonic:
// pending goes to delivered or expired and never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
)

// Record tracks whether one envelope reached one recipient.
type Record struct {
	EnvelopeID  string `json:"envelopeId"`
	RecipientID string `json:"recipientId"`
	Status      Status `json:"status"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"` // unix millis
}

// Records is the shared store of delivery state. MarkDelivered is the
// idempotency gate: only the first call per (envelope, recipient) returns
// first=true, so applying a delivery twice is a no-op.
type Records interface {
	// MarkPending records that an envelope was queued. Idempotent.
	MarkPending(ctx context.Context, envelopeID, recipientID string) error

	// MarkDelivered transitions to delivered. first is false when the record
	// was already delivered or expired; callers skip side effects then.
	MarkDelivered(ctx context.Context, envelopeID, recipientID string) (first bool, err error)

	// MarkExpired transitions pending to expired. A record already delivered
	// stays delivered.
	MarkExpired(ctx context.Context, envelopeID, recipientID string) error

	// Get returns the current record, if any.
	Get(ctx context.Context, envelopeID, recipientID string) (Record, bool, error)
}

// MemoryRecords is an in-process Records for single-instance deployments and
// tests.
type MemoryRecords struct {
	mu   sync.Mutex
	recs map[string]Record

	now func() int64 // unix millis, test hook
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{recs: make(map[string]Record), now: nowMillis}
}

func recordKey(envelopeID, recipientID string) string {
	return recipientID + "." + envelopeID
}

func (m *MemoryRecords) MarkPending(_ context.Context, envelopeID, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(envelopeID, recipientID)
	if _, ok := m.recs[key]; !ok {
		m.recs[key] = Record{EnvelopeID: envelopeID, RecipientID: recipientID, Status: StatusPending}
	}
	return nil
}

func (m *MemoryRecords) MarkDelivered(_ context.Context, envelopeID, recipientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(envelopeID, recipientID)
	rec, ok := m.recs[key]
	if ok && rec.Status != StatusPending {
		return false, nil
	}
	m.recs[key] = Record{
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
		Status:      StatusDelivered,
		DeliveredAt: m.now(),
	}
	return true, nil
}

func (m *MemoryRecords) MarkExpired(_ context.Context, envelopeID, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(envelopeID, recipientID)
	rec, ok := m.recs[key]
	if ok && rec.Status != StatusPending {
		return nil
	}
	rec = Record{EnvelopeID: envelopeID, RecipientID: recipientID, Status: StatusExpired}
	m.recs[key] = rec
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, envelopeID, recipientID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[recordKey(envelopeID, recipientID)]
	return rec, ok, nil
}
