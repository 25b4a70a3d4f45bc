// Package presence tracks which users are reachable and through which
// connection handles. The registry is shared state: every replica consults it
// before deciding whether a message can be delivered live, so implementations
// must never cache a positive answer beyond a single dispatch decision.
package presence

import (
	"context"
	"time"
)

// Handle identifies one live connection: which replica holds it and the
// connection id within that replica.
type Handle struct {
	ReplicaID string `json:"replicaId"`
	HandleID  string `json:"handleId"`
}

// Record is one user's reachability state. A user is online iff Handles is
// non-empty.
type Record struct {
	UserID      string   `json:"userId"`
	Handles     []Handle `json:"handles"`
	LastUpdated int64    `json:"lastUpdated"` // unix millis
}

// Has reports whether h is already part of the record.
func (r *Record) Has(h Handle) bool {
	for _, existing := range r.Handles {
		if existing == h {
			return true
		}
	}
	return false
}

// Remove deletes h from the record and reports whether it was present.
func (r *Record) Remove(h Handle) bool {
	for i, existing := range r.Handles {
		if existing == h {
			r.Handles = append(r.Handles[:i], r.Handles[i+1:]...)
			return true
		}
	}
	return false
}

// Registry is the shared presence store. Register/Unregister mutate the
// handle set through the store's atomic primitives; no replica-local state
// survives a call. Presence is soft state: records left un-refreshed beyond
// the heartbeat window expire, which covers replicas that crash without
// unregistering.
type Registry interface {
	// Register idempotently adds handle to the user's handle set and resets
	// the record's expiry clock. Duplicate registration is not an error.
	Register(ctx context.Context, userID string, handle Handle) error

	// Unregister removes handle from the user's handle set. It reports
	// whether other handles remain; when the set empties the record is
	// retired and the caller is expected to publish an offline event.
	Unregister(ctx context.Context, userID string, handle Handle) (stillOnline bool, err error)

	// IsReachable reports whether the user currently has at least one
	// registered handle. The answer reflects updates from any replica within
	// one store round-trip.
	IsReachable(ctx context.Context, userID string) (bool, error)

	// Lookup returns the full record so live delivery can route to the
	// replica holding the handle.
	Lookup(ctx context.Context, userID string) (Record, bool, error)

	// Refresh re-stamps the user's record to keep the soft state alive.
	// Refreshing an absent record is a no-op.
	Refresh(ctx context.Context, userID string) error
}

func nowMillis() int64 { return time.Now().UnixMilli() }
