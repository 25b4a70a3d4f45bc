package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for single-instance deployments and
// tests. Same semantics as the stream-backed queue: FIFO per recipient,
// capacity with a configurable pressure policy, fixed expiry.
type MemoryQueue struct {
	mu        sync.Mutex
	byUser    map[string][]Envelope
	retention time.Duration
	capacity  int
	policy    EvictPolicy

	now func() time.Time // test hook
}

// NewMemoryQueue creates a queue holding at most capacity envelopes per
// recipient for at most retention. capacity <= 0 means unbounded.
func NewMemoryQueue(retention time.Duration, capacity int, policy EvictPolicy) *MemoryQueue {
	if policy == "" {
		policy = EvictOldest
	}
	return &MemoryQueue{
		byUser:    make(map[string][]Envelope),
		retention: retention,
		capacity:  capacity,
		policy:    policy,
		now:       time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, env *Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := q.now()
	env.EnqueuedAt = now.UnixMilli()
	env.ExpiresAt = now.Add(q.retention).UnixMilli()

	pending := q.byUser[env.RecipientID]
	if q.capacity > 0 && len(pending) >= q.capacity {
		if q.policy == RejectNew {
			return "", ErrQueueFull
		}
		evicted := pending[0]
		pending = pending[1:]
		slog.Warn("Offline queue at capacity, evicting oldest envelope",
			"recipient", env.RecipientID, "evicted", evicted.ID, "capacity", q.capacity)
	}
	q.byUser[env.RecipientID] = append(pending, *env)
	return env.ID, nil
}

func (q *MemoryQueue) Drain(_ context.Context, recipientID string) ([]Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Envelope
	for _, env := range q.byUser[recipientID] {
		if env.Expired(now) {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (q *MemoryQueue) Acknowledge(_ context.Context, env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.byUser[env.RecipientID]
	for i, existing := range pending {
		if existing.ID == env.ID {
			q.byUser[env.RecipientID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(q.byUser[env.RecipientID]) == 0 {
		delete(q.byUser, env.RecipientID)
	}
	return nil
}

func (q *MemoryQueue) Sweep(_ context.Context) ([]Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []Envelope
	for recipient, pending := range q.byUser {
		kept := pending[:0]
		for _, env := range pending {
			if env.Expired(now) {
				expired = append(expired, env)
				continue
			}
			kept = append(kept, env)
		}
		if len(kept) == 0 {
			delete(q.byUser, recipient)
		} else {
			q.byUser[recipient] = kept
		}
	}
	return expired, nil
}
