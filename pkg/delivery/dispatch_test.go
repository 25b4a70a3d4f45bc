package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/nats-chat-delivery/pkg/bus"
	"github.com/example/nats-chat-delivery/pkg/offline"
	"github.com/example/nats-chat-delivery/pkg/presence"
)

// fakeSender records live sends and can be told to fail: every send when
// failAll is set, or every send from the failFrom-th successful one on.
type fakeSender struct {
	mu       sync.Mutex
	sent     []json.RawMessage
	failAll  bool
	failFrom int // 1-based, 0 disables
}

func (s *fakeSender) Send(_ context.Context, _ presence.Handle, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("connection dropped")
	}
	if s.failFrom > 0 && len(s.sent)+1 >= s.failFrom {
		return errors.New("connection dropped")
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// failingRegistry simulates an unreachable presence store.
type failingRegistry struct{}

func (failingRegistry) Register(context.Context, string, presence.Handle) error {
	return errors.New("store unavailable")
}
func (failingRegistry) Unregister(context.Context, string, presence.Handle) (bool, error) {
	return false, errors.New("store unavailable")
}
func (failingRegistry) IsReachable(context.Context, string) (bool, error) {
	return false, errors.New("store unavailable")
}
func (failingRegistry) Lookup(context.Context, string) (presence.Record, bool, error) {
	return presence.Record{}, false, errors.New("store unavailable")
}
func (failingRegistry) Refresh(context.Context, string) error {
	return errors.New("store unavailable")
}

// failingQueue simulates a down offline store.
type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, *offline.Envelope) (string, error) {
	return "", errors.New("stream unavailable")
}
func (failingQueue) Drain(context.Context, string) ([]offline.Envelope, error) {
	return nil, errors.New("stream unavailable")
}
func (failingQueue) Acknowledge(context.Context, offline.Envelope) error {
	return errors.New("stream unavailable")
}
func (failingQueue) Sweep(context.Context) ([]offline.Envelope, error) {
	return nil, errors.New("stream unavailable")
}

type fixture struct {
	registry *presence.MemoryRegistry
	queue    *offline.MemoryQueue
	records  *MemoryRecords
	bus      *bus.LocalBus
	sender   *fakeSender
}

func newFixture() *fixture {
	return &fixture{
		registry: presence.NewMemoryRegistry(0),
		queue:    offline.NewMemoryQueue(time.Hour, 0, offline.EvictOldest),
		records:  NewMemoryRecords(),
		bus:      bus.NewLocalBus("replica-a", 0),
		sender:   &fakeSender{},
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Registry: f.registry,
		Queue:    f.queue,
		Records:  f.records,
		Bus:      f.bus,
		Sender:   f.sender,
		Replica:  "replica-a",
	})
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Registry: f.registry,
		Queue:    f.queue,
		Records:  f.records,
		Bus:      f.bus,
		Sender:   f.sender,
		Replica:  "replica-a",
	})
}

func TestDispatch_LiveWhenReachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.registry.Register(ctx, "alice", presence.Handle{ReplicaID: "replica-a", HandleID: "c1"})

	outcome, err := f.dispatcher().Dispatch(ctx, Request{
		RecipientID:    "alice",
		ConversationID: "conv-1",
		Payload:        json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !outcome.Live {
		t.Error("Expected live outcome for reachable recipient")
	}
	if outcome.EnvelopeID == "" {
		t.Error("Expected an envelope id in the outcome")
	}
	if f.sender.count() != 1 {
		t.Errorf("Expected 1 live send, got %d", f.sender.count())
	}

	envs, _ := f.queue.Drain(ctx, "alice")
	if len(envs) != 0 {
		t.Errorf("Expected nothing queued after live delivery, got %d", len(envs))
	}

	rec, ok, _ := f.records.Get(ctx, outcome.EnvelopeID, "alice")
	if !ok || rec.Status != StatusDelivered {
		t.Errorf("Expected delivered record, got %+v (found=%v)", rec, ok)
	}
}

func TestDispatch_QueuedWhenOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	outcome, err := f.dispatcher().Dispatch(ctx, Request{
		RecipientID:    "alice",
		ConversationID: "conv-1",
		Payload:        json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if outcome.Live {
		t.Error("Expected queued outcome for offline recipient")
	}
	if f.sender.count() != 0 {
		t.Errorf("Expected no live sends, got %d", f.sender.count())
	}

	envs, _ := f.queue.Drain(ctx, "alice")
	if len(envs) != 1 {
		t.Fatalf("Expected 1 queued envelope, got %d", len(envs))
	}
	if envs[0].ID != outcome.EnvelopeID {
		t.Errorf("Outcome envelope id %s does not match queued %s", outcome.EnvelopeID, envs[0].ID)
	}

	rec, ok, _ := f.records.Get(ctx, outcome.EnvelopeID, "alice")
	if !ok || rec.Status != StatusPending {
		t.Errorf("Expected pending record, got %+v (found=%v)", rec, ok)
	}
}

func TestDispatch_QueuedWhenAllSendsFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.registry.Register(ctx, "alice", presence.Handle{ReplicaID: "replica-a", HandleID: "c1"})
	f.registry.Register(ctx, "alice", presence.Handle{ReplicaID: "replica-b", HandleID: "c2"})
	f.sender.failAll = true

	outcome, err := f.dispatcher().Dispatch(ctx, Request{
		RecipientID: "alice",
		Payload:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if outcome.Live {
		t.Error("Expected queued outcome when every handle fails")
	}

	envs, _ := f.queue.Drain(ctx, "alice")
	if len(envs) != 1 {
		t.Errorf("Expected failed live delivery to be queued, got %d envelopes", len(envs))
	}
}

func TestDispatch_StoreFailureFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	d := NewDispatcher(DispatcherConfig{
		Registry: failingRegistry{},
		Queue:    f.queue,
		Records:  f.records,
		Bus:      f.bus,
		Sender:   f.sender,
		Replica:  "replica-a",
	})

	outcome, err := d.Dispatch(ctx, Request{RecipientID: "alice", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Expected degraded dispatch to succeed, got %v", err)
	}
	if outcome.Live {
		t.Error("Expected queued outcome when the presence store is down")
	}

	envs, _ := f.queue.Drain(ctx, "alice")
	if len(envs) != 1 {
		t.Errorf("Expected the message queued despite store failure, got %d", len(envs))
	}
}

func TestDispatch_OpenBreakerSkipsStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.registry.Register(ctx, "alice", presence.Handle{ReplicaID: "replica-a", HandleID: "c1"})

	breaker := NewCircuitBreaker(1, 60)
	breaker.RecordFailure() // trip open

	d := NewDispatcher(DispatcherConfig{
		Registry: f.registry,
		Queue:    f.queue,
		Records:  f.records,
		Bus:      f.bus,
		Sender:   f.sender,
		Replica:  "replica-a",
		Breaker:  breaker,
	})

	outcome, err := d.Dispatch(ctx, Request{RecipientID: "alice", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if outcome.Live {
		t.Error("Expected queued outcome with the breaker open, even though alice is registered")
	}
	if f.sender.count() != 0 {
		t.Errorf("Expected no live send attempts with the breaker open, got %d", f.sender.count())
	}
}

func TestDispatch_TotalUnavailabilityIsTransientError(t *testing.T) {
	f := newFixture()

	d := NewDispatcher(DispatcherConfig{
		Registry: failingRegistry{},
		Queue:    failingQueue{},
		Records:  f.records,
		Bus:      f.bus,
		Sender:   f.sender,
		Replica:  "replica-a",
	})

	_, err := d.Dispatch(context.Background(), Request{RecipientID: "alice", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("Expected an error when both presence store and queue are down")
	}
}

func TestDispatch_LiveEventOnPerUserSubject(t *testing.T) {
	ctx := context.Background()

	// Observe from a different replica so self-origin skipping does not hide
	// the event.
	observer := bus.NewLocalBus("observer", 0)
	f := newFixture()
	f.bus = observer
	f.registry.Register(ctx, "alice", presence.Handle{ReplicaID: "replica-a", HandleID: "c1"})

	var mu sync.Mutex
	var onAlice, onBob []bus.Envelope
	unsubAlice, _ := observer.Subscribe(bus.UserSubject(bus.EventLiveDeliver, "alice"), func(env bus.Envelope) {
		mu.Lock()
		onAlice = append(onAlice, env)
		mu.Unlock()
	})
	defer unsubAlice()
	unsubBob, _ := observer.Subscribe(bus.UserSubject(bus.EventLiveDeliver, "bob"), func(env bus.Envelope) {
		mu.Lock()
		onBob = append(onBob, env)
		mu.Unlock()
	})
	defer unsubBob()

	if _, err := f.dispatcher().Dispatch(ctx, Request{RecipientID: "alice", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(onAlice) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(onAlice) != 1 {
		t.Fatalf("Expected 1 live event on deliver.live.alice, got %d", len(onAlice))
	}
	if len(onBob) != 0 {
		t.Errorf("Expected no events on bob's subject, got %d", len(onBob))
	}
	var evt LiveEvent
	if err := json.Unmarshal(onAlice[0].Payload, &evt); err != nil {
		t.Fatalf("Failed to unmarshal live event payload: %v", err)
	}
	if evt.RecipientID != "alice" {
		t.Errorf("Unexpected recipient in live event: %+v", evt)
	}
}

func TestDispatch_UsesSuppliedMessageID(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	outcome, err := f.dispatcher().Dispatch(ctx, Request{
		MessageID:   "msg-42",
		RecipientID: "alice",
		Payload:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if outcome.EnvelopeID != "msg-42" {
		t.Errorf("Expected the origin's message id as envelope id, got %s", outcome.EnvelopeID)
	}
}
