package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const recordCASRetries = 8

func nowMillis() int64 { return time.Now().UnixMilli() }

// KVRecords keeps delivery state in a NATS KV bucket, keyed
// {recipientId}.{envelopeId}. kv.Create is the atomic first-write that makes
// MarkDelivered a cross-replica dedup gate; transitions use CAS at the entry
// revision. Mutated keys land in a dirty set so the service can batch-archive
// them to Postgres.
type KVRecords struct {
	kv nats.KeyValue

	mu    sync.Mutex
	dirty map[string]bool
}

func NewKVRecords(kv nats.KeyValue) *KVRecords {
	return &KVRecords{kv: kv, dirty: make(map[string]bool)}
}

func (r *KVRecords) markDirty(key string) {
	r.mu.Lock()
	r.dirty[key] = true
	r.mu.Unlock()
}

// PopDirty drains the set of keys mutated since the last call. The Postgres
// flusher re-adds keys it fails to archive.
func (r *KVRecords) PopDirty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		keys = append(keys, k)
	}
	r.dirty = make(map[string]bool)
	return keys
}

// Requeue re-adds keys to the dirty set after a failed flush.
func (r *KVRecords) Requeue(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.dirty[k] = true
	}
}

// GetByKey fetches a record by its raw KV key, for the flush loop.
func (r *KVRecords) GetByKey(key string) (Record, bool, error) {
	entry, err := r.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *KVRecords) MarkPending(ctx context.Context, envelopeID, recipientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := recordKey(envelopeID, recipientID)
	rec := Record{EnvelopeID: envelopeID, RecipientID: recipientID, Status: StatusPending}
	data, _ := json.Marshal(rec)
	if _, err := r.kv.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return nil // already tracked
		}
		return fmt.Errorf("delivery record pending %s: %w", key, err)
	}
	r.markDirty(key)
	return nil
}

func (r *KVRecords) MarkDelivered(ctx context.Context, envelopeID, recipientID string) (bool, error) {
	key := recordKey(envelopeID, recipientID)
	delivered := Record{
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
		Status:      StatusDelivered,
		DeliveredAt: nowMillis(),
	}
	data, _ := json.Marshal(delivered)

	for attempt := 0; attempt < recordCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		entry, err := r.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Live sends have no pending record; the atomic create is the
			// first-write gate.
			if _, err := r.kv.Create(key, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // another replica got there first, re-read
				}
				return false, fmt.Errorf("delivery record %s: %w", key, err)
			}
			r.markDirty(key)
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("delivery record %s: %w", key, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return false, fmt.Errorf("delivery record %s: corrupt: %w", key, err)
		}
		if rec.Status != StatusPending {
			return false, nil // already delivered or expired, no-op
		}
		if _, err := r.kv.Update(key, data, entry.Revision()); err != nil {
			continue
		}
		r.markDirty(key)
		return true, nil
	}
	return false, fmt.Errorf("delivery record %s: too many CAS conflicts", key)
}

func (r *KVRecords) MarkExpired(ctx context.Context, envelopeID, recipientID string) error {
	key := recordKey(envelopeID, recipientID)
	expired := Record{EnvelopeID: envelopeID, RecipientID: recipientID, Status: StatusExpired}
	data, _ := json.Marshal(expired)

	for attempt := 0; attempt < recordCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := r.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err := r.kv.Create(key, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return fmt.Errorf("delivery record expire %s: %w", key, err)
			}
			r.markDirty(key)
			return nil
		}
		if err != nil {
			return fmt.Errorf("delivery record expire %s: %w", key, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return fmt.Errorf("delivery record expire %s: corrupt: %w", key, err)
		}
		if rec.Status != StatusPending {
			return nil
		}
		if _, err := r.kv.Update(key, data, entry.Revision()); err != nil {
			continue
		}
		r.markDirty(key)
		return nil
	}
	return fmt.Errorf("delivery record expire %s: too many CAS conflicts", key)
}

func (r *KVRecords) Get(ctx context.Context, envelopeID, recipientID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	return r.GetByKey(recordKey(envelopeID, recipientID))
}
