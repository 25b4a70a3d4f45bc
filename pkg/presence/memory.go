package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for single-instance deployments
// and tests. It honors the same soft-state contract as the KV-backed
// registry: records older than the heartbeat window count as offline and are
// reclaimed by Prune.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	window  time.Duration

	now func() time.Time // test hook
}

// NewMemoryRegistry creates a registry whose records expire after window
// without a Register or Refresh. A zero window disables expiry.
func NewMemoryRegistry(window time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]*Record),
		window:  window,
		now:     time.Now,
	}
}

func (r *MemoryRegistry) expired(rec *Record) bool {
	if r.window <= 0 {
		return false
	}
	return r.now().UnixMilli()-rec.LastUpdated > r.window.Milliseconds()
}

func (r *MemoryRegistry) Register(_ context.Context, userID string, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok || r.expired(rec) {
		rec = &Record{UserID: userID}
		r.records[userID] = rec
	}
	if !rec.Has(handle) {
		rec.Handles = append(rec.Handles, handle)
	}
	rec.LastUpdated = r.now().UnixMilli()
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, userID string, handle Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok || r.expired(rec) {
		delete(r.records, userID)
		return false, nil
	}
	rec.Remove(handle)
	if len(rec.Handles) == 0 {
		delete(r.records, userID)
		return false, nil
	}
	rec.LastUpdated = r.now().UnixMilli()
	return true, nil
}

func (r *MemoryRegistry) IsReachable(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	if !ok || r.expired(rec) {
		return false, nil
	}
	return len(rec.Handles) > 0, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, userID string) (Record, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	if !ok || r.expired(rec) {
		return Record{}, false, nil
	}
	copied := *rec
	copied.Handles = append([]Handle(nil), rec.Handles...)
	return copied, len(rec.Handles) > 0, nil
}

func (r *MemoryRegistry) Refresh(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[userID]; ok && !r.expired(rec) {
		rec.LastUpdated = r.now().UnixMilli()
	}
	return nil
}

// Prune drops records past the heartbeat window and returns the users whose
// presence was forcibly cleared, so the caller can publish offline events for
// replicas that crashed without unregistering.
func (r *MemoryRegistry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cleared []string
	for userID, rec := range r.records {
		if r.expired(rec) {
			delete(r.records, userID)
			cleared = append(cleared, userID)
		}
	}
	return cleared
}
