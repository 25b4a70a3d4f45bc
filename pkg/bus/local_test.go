package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestLocalBus_DeliversInOrder(t *testing.T) {
	b := NewLocalBus("replica-b", 0)

	var mu sync.Mutex
	var got []string
	unsub, err := b.Subscribe("presence.online", func(env Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsub()

	for i := 0; i < 50; i++ {
		env, _ := NewEnvelope(EventPresenceOnline, "replica-a", map[string]int{"n": i})
		if err := b.Publish(context.Background(), "presence.online", env); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	})
}

func TestLocalBus_PerSubjectFIFO(t *testing.T) {
	b := NewLocalBus("observer", 0)

	var mu sync.Mutex
	var order []int
	unsub, _ := b.Subscribe("deliver.live", func(env Envelope) {
		var p struct {
			N int `json:"n"`
		}
		json.Unmarshal(env.Payload, &p)
		mu.Lock()
		order = append(order, p.N)
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 20; i++ {
		env, _ := NewEnvelope(EventLiveDeliver, "replica-a", map[string]int{"n": i})
		b.Publish(context.Background(), "deliver.live", env)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("Out-of-order delivery at position %d: got %d", i, n)
		}
	}
}

func TestLocalBus_SkipsSelfOrigin(t *testing.T) {
	b := NewLocalBus("replica-a", 0)

	var mu sync.Mutex
	received := 0
	unsub, _ := b.Subscribe("presence.offline", func(env Envelope) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	defer unsub()

	self, _ := NewEnvelope(EventPresenceOffline, "replica-a", nil)
	other, _ := NewEnvelope(EventPresenceOffline, "replica-b", nil)
	b.Publish(context.Background(), "presence.offline", self)
	b.Publish(context.Background(), "presence.offline", other)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})

	// Give the self-originated envelope a chance to arrive if the skip were
	// broken.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Errorf("Expected exactly 1 envelope (self-origin skipped), got %d", received)
	}
}

func TestLocalBus_DropsOldestOnOverflow(t *testing.T) {
	b := NewLocalBus("observer", 4)

	block := make(chan struct{})
	var mu sync.Mutex
	var got []int
	unsub, _ := b.Subscribe("deliver.live", func(env Envelope) {
		<-block
		var p struct {
			N int `json:"n"`
		}
		json.Unmarshal(env.Payload, &p)
		mu.Lock()
		got = append(got, p.N)
		mu.Unlock()
	})
	defer unsub()

	// With the handler blocked, one envelope sits in the handler and 4 fit
	// the buffer; the rest push the oldest out.
	for i := 0; i < 10; i++ {
		env, _ := NewEnvelope(EventLiveDeliver, "replica-a", map[string]int{"n": i})
		b.Publish(context.Background(), "deliver.live", env)
	}
	time.Sleep(20 * time.Millisecond)
	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 9
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) >= 10 {
		t.Errorf("Expected overflow to drop envelopes, got all %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("Surviving envelopes out of order: %v", got)
		}
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	b := NewLocalBus("observer", 0)

	var mu sync.Mutex
	received := 0
	unsub, _ := b.Subscribe("presence.online", func(env Envelope) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	env, _ := NewEnvelope(EventPresenceOnline, "replica-a", nil)
	b.Publish(context.Background(), "presence.online", env)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})

	unsub()
	b.Publish(context.Background(), "presence.online", env)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d total", received)
	}
}
