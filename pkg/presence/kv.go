package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// casRetries bounds the optimistic-concurrency loop. Contention on a single
// user's record is rare (one user reconnecting on two replicas at once), so a
// small bound is plenty.
const casRetries = 8

// KVRegistry stores one record per user in a NATS KV bucket. The bucket's TTL
// is the heartbeat window: every Register/Refresh re-puts the record, which
// resets its age, so a record that stops being refreshed expires on its own.
// Handle-set mutations are CAS loops against the entry revision, the same
// compare-and-swap idiom used to pick a single winner across replicas.
type KVRegistry struct {
	kv nats.KeyValue
}

// NewKVRegistry wraps an existing KV bucket. The caller owns bucket creation
// (including its TTL) so all replicas agree on the configuration.
func NewKVRegistry(kv nats.KeyValue) *KVRegistry {
	return &KVRegistry{kv: kv}
}

func (r *KVRegistry) Register(ctx context.Context, userID string, handle Handle) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := r.kv.Get(userID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			rec := Record{UserID: userID, Handles: []Handle{handle}, LastUpdated: nowMillis()}
			data, _ := json.Marshal(rec)
			if _, err := r.kv.Create(userID, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // lost the race, re-read
				}
				return fmt.Errorf("presence register %s: %w", userID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("presence register %s: %w", userID, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return fmt.Errorf("presence register %s: corrupt record: %w", userID, err)
		}
		if !rec.Has(handle) {
			rec.Handles = append(rec.Handles, handle)
		}
		rec.LastUpdated = nowMillis()
		data, _ := json.Marshal(rec)
		// Update at revision also refreshes the TTL clock on duplicate
		// registration, which is what resets the expiry window.
		if _, err := r.kv.Update(userID, data, entry.Revision()); err != nil {
			continue
		}
		return nil
	}
	return fmt.Errorf("presence register %s: too many CAS conflicts", userID)
}

func (r *KVRegistry) Unregister(ctx context.Context, userID string, handle Handle) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		entry, err := r.kv.Get(userID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil // already expired or retired
		}
		if err != nil {
			return false, fmt.Errorf("presence unregister %s: %w", userID, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return false, fmt.Errorf("presence unregister %s: corrupt record: %w", userID, err)
		}
		rec.Remove(handle)

		if len(rec.Handles) == 0 {
			if err := r.kv.Delete(userID, nats.LastRevision(entry.Revision())); err != nil {
				continue
			}
			return false, nil
		}

		rec.LastUpdated = nowMillis()
		data, _ := json.Marshal(rec)
		if _, err := r.kv.Update(userID, data, entry.Revision()); err != nil {
			continue
		}
		return true, nil
	}
	return false, fmt.Errorf("presence unregister %s: too many CAS conflicts", userID)
}

func (r *KVRegistry) IsReachable(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entry, err := r.kv.Get(userID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		slog.Warn("Corrupt presence record, treating as offline", "user", userID, "error", err)
		return false, nil
	}
	return len(rec.Handles) > 0, nil
}

func (r *KVRegistry) Lookup(ctx context.Context, userID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	entry, err := r.kv.Get(userID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, false, fmt.Errorf("presence lookup %s: corrupt record: %w", userID, err)
	}
	return rec, len(rec.Handles) > 0, nil
}

func (r *KVRegistry) Refresh(ctx context.Context, userID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := r.kv.Get(userID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("presence refresh %s: %w", userID, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return fmt.Errorf("presence refresh %s: corrupt record: %w", userID, err)
		}
		rec.LastUpdated = nowMillis()
		data, _ := json.Marshal(rec)
		if _, err := r.kv.Update(userID, data, entry.Revision()); err != nil {
			continue
		}
		return nil
	}
	return fmt.Errorf("presence refresh %s: too many CAS conflicts", userID)
}
