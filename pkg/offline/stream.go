package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// DefaultStream is the JetStream stream name backing the queue.
	DefaultStream = "OFFLINE"
	// DefaultSubjectPrefix prefixes per-recipient subjects:
	// {prefix}.{recipientID}.
	DefaultSubjectPrefix = "offline.env"

	drainBatch   = 256
	drainMaxWait = 5 * time.Second
	dedupeWindow = 2 * time.Minute
)

// StreamQueueConfig configures the JetStream-backed queue.
type StreamQueueConfig struct {
	Stream        string
	SubjectPrefix string
	// Retention is the envelope lifetime; it maps to the stream's MaxAge so
	// the server reclaims aged-out envelopes even if no sweep runs.
	Retention time.Duration
	// Capacity caps envelopes per recipient via MaxMsgsPerSubject.
	Capacity int64
	// Policy maps to the stream discard policy: EvictOldest drops the
	// recipient's oldest envelope on overflow, RejectNew refuses the publish.
	Policy EvictPolicy
}

// StreamQueue stores envelopes in a file-backed JetStream stream, one subject
// per recipient. The server enforces both bounds: MaxAge for retention and
// MaxMsgsPerSubject for capacity. Recipient ids must be valid subject tokens.
type StreamQueue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    StreamQueueConfig

	now func() time.Time // test hook
}

// NewStreamQueue creates or updates the backing stream and returns the queue.
func NewStreamQueue(ctx context.Context, js jetstream.JetStream, cfg StreamQueueConfig) (*StreamQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Policy == "" {
		cfg.Policy = EvictOldest
	}

	sc := jetstream.StreamConfig{
		Name:              cfg.Stream,
		Subjects:          []string{cfg.SubjectPrefix + ".>"},
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            cfg.Retention,
		MaxMsgsPerSubject: cfg.Capacity,
		Storage:           jetstream.FileStorage,
		Duplicates:        dedupeWindow,
	}
	if cfg.Policy == RejectNew {
		sc.Discard = jetstream.DiscardNew
		sc.DiscardNewPerSubject = true
	} else {
		sc.Discard = jetstream.DiscardOld
	}

	stream, err := js.CreateOrUpdateStream(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("offline stream %s: %w", cfg.Stream, err)
	}
	return &StreamQueue{js: js, stream: stream, cfg: cfg, now: time.Now}, nil
}

func (q *StreamQueue) subject(recipientID string) string {
	return q.cfg.SubjectPrefix + "." + recipientID
}

func (q *StreamQueue) depth(ctx context.Context, subject string) (uint64, error) {
	info, err := q.stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return 0, err
	}
	return info.State.Subjects[subject], nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, env *Envelope) (string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := q.now()
	env.EnqueuedAt = now.UnixMilli()
	env.ExpiresAt = now.Add(q.cfg.Retention).UnixMilli()

	subject := q.subject(env.RecipientID)

	// The server evicts silently under DiscardOld; detect imminent eviction
	// here so the data loss is logged, not invisible.
	if q.cfg.Capacity > 0 && q.cfg.Policy == EvictOldest {
		if n, err := q.depth(ctx, subject); err == nil && n >= uint64(q.cfg.Capacity) {
			slog.Warn("Offline queue at capacity, oldest envelope will be evicted",
				"recipient", env.RecipientID, "depth", n, "capacity", q.cfg.Capacity)
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("offline enqueue: %w", err)
	}
	ack, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.ID))
	if err != nil {
		if q.cfg.Policy == RejectNew && q.cfg.Capacity > 0 {
			if n, derr := q.depth(ctx, subject); derr == nil && n >= uint64(q.cfg.Capacity) {
				return "", ErrQueueFull
			}
		}
		return "", fmt.Errorf("offline enqueue for %s: %w", env.RecipientID, err)
	}
	env.StreamSeq = ack.Sequence
	return env.ID, nil
}

func (q *StreamQueue) Drain(ctx context.Context, recipientID string) ([]Envelope, error) {
	subject := q.subject(recipientID)
	pending, err := q.depth(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("offline drain for %s: %w", recipientID, err)
	}
	if pending == 0 {
		return nil, nil
	}

	cons, err := q.js.OrderedConsumer(ctx, q.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("offline drain for %s: %w", recipientID, err)
	}

	now := q.now()
	out := make([]Envelope, 0, pending)
	var seen uint64
	for seen < pending {
		batch := min(pending-seen, drainBatch)
		msgs, err := cons.Fetch(int(batch), jetstream.FetchMaxWait(drainMaxWait))
		if err != nil {
			return nil, fmt.Errorf("offline drain for %s: %w", recipientID, err)
		}
		got := 0
		for msg := range msgs.Messages() {
			got++
			seen++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				slog.Warn("Dropping corrupt offline envelope", "recipient", recipientID, "seq", meta.Sequence.Stream, "error", err)
				continue
			}
			env.StreamSeq = meta.Sequence.Stream
			if env.Expired(now) {
				continue
			}
			out = append(out, env)
		}
		if err := msgs.Error(); err != nil {
			return nil, fmt.Errorf("offline drain for %s: %w", recipientID, err)
		}
		if got == 0 {
			break // stream shrank under us (ack or sweep elsewhere)
		}
	}
	return out, nil
}

func (q *StreamQueue) Acknowledge(ctx context.Context, env Envelope) error {
	if env.StreamSeq == 0 {
		return nil
	}
	err := q.stream.DeleteMsg(ctx, env.StreamSeq)
	if err == nil || errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil // already removed elsewhere, nothing to do
	}
	return fmt.Errorf("offline acknowledge %s: %w", env.ID, err)
}

// expiredPrefix returns the leading run of expired envelopes and whether a
// live envelope ended the run. Envelopes land in the stream in enqueue order
// with one shared retention, so expiry times are ordered by sequence: nothing
// after the first live envelope can be expired yet.
func expiredPrefix(envs []Envelope, now time.Time) ([]Envelope, bool) {
	for i, env := range envs {
		if !env.Expired(now) {
			return envs[:i], true
		}
	}
	return envs, false
}

// Sweep scans the stream head for envelopes past their ExpiresAt and deletes
// them, returning what was removed. The scan stops at the first live
// envelope, so each tick costs proportional to what actually expired. The
// stream's MaxAge is the backstop; the sweep exists so expiries surface as
// logged data loss and delivery records can be marked expired.
func (q *StreamQueue) Sweep(ctx context.Context) ([]Envelope, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline sweep: %w", err)
	}
	total := info.State.Msgs
	if total == 0 {
		return nil, nil
	}

	cons, err := q.js.OrderedConsumer(ctx, q.cfg.Stream, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("offline sweep: %w", err)
	}

	now := q.now()
	var expired []Envelope
	var seen uint64
	for seen < total {
		batch := min(total-seen, drainBatch)
		msgs, err := cons.Fetch(int(batch), jetstream.FetchMaxWait(drainMaxWait))
		if err != nil {
			break
		}
		var page []Envelope
		got := 0
		for msg := range msgs.Messages() {
			got++
			seen++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				// Corrupt entries are unrecoverable; reclaim them too.
				q.stream.DeleteMsg(ctx, meta.Sequence.Stream)
				continue
			}
			env.StreamSeq = meta.Sequence.Stream
			page = append(page, env)
		}
		prefix, sawLive := expiredPrefix(page, now)
		expired = append(expired, prefix...)
		if sawLive || got == 0 {
			break
		}
	}

	for _, env := range expired {
		if err := q.stream.DeleteMsg(ctx, env.StreamSeq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			slog.Warn("Failed to reclaim expired envelope", "envelope", env.ID, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Warn("Reclaimed expired offline envelopes", "count", len(expired))
	}
	return expired, nil
}
