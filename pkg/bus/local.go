package bus

import (
	"context"
	"log/slog"
	"sync"
)

// defaultLocalBuffer bounds each subscription's backlog. Overflow drops the
// oldest envelope first: bus loss is acceptable, blocking a publisher is not.
const defaultLocalBuffer = 256

// LocalBus is an in-process Bus for single-replica deployments and tests.
// Each subscription drains its own bounded FIFO on a dedicated goroutine, so
// per-subject ordering holds and a stuck handler only loses its own events.
type LocalBus struct {
	replica string
	buffer  int

	mu     sync.RWMutex
	subs   map[string][]*localSub
	nextID int
	closed bool
}

type localSub struct {
	id      int
	ch      chan Envelope
	done    chan struct{}
	handler Handler
}

// NewLocalBus creates a bus for the given replica id. bufferSize <= 0 uses
// the default.
func NewLocalBus(replica string, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = defaultLocalBuffer
	}
	return &LocalBus{
		replica: replica,
		buffer:  bufferSize,
		subs:    make(map[string][]*localSub),
	}
}

func (b *LocalBus) Publish(_ context.Context, subject string, env Envelope) error {
	b.mu.RLock()
	subs := b.subs[subject]
	b.mu.RUnlock()

	for _, s := range subs {
		for {
			select {
			case s.ch <- env:
			default:
				// Full: drop the oldest queued envelope and retry.
				select {
				case dropped := <-s.ch:
					slog.Warn("Bus buffer full, dropping oldest event", "subject", subject, "type", dropped.Type)
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler Handler) (func(), error) {
	s := &localSub{
		ch:      make(chan Envelope, b.buffer),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case env := <-s.ch:
				if env.OriginReplica == b.replica {
					continue
				}
				s.handler(env)
			}
		}
	}()

	unsubscribe := func() {
		b.mu.Lock()
		subs := b.subs[subject]
		for i, existing := range subs {
			if existing.id == s.id {
				b.subs[subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.done)
	}
	return unsubscribe, nil
}
