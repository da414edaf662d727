package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "orders:ready"
	scheduledKey = "orders:scheduled"
	inflightKey  = "orders:inflight"
	dlqKey       = "orders:dlq"
)

// Queue coordinates ready, in-flight, and scheduled job envelopes in
// Redis. Envelopes travel as serialized JSON; the in-flight sorted set
// scores each delivery with its visibility deadline so a crashed worker
// leaks nothing.
type Queue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *Queue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{client: client, visibilityTTL: visibility}
}

// Delivery is one dequeued envelope plus the exact wire bytes needed to
// ack or re-route it.
type Delivery struct {
	raw      string
	Envelope JobEnvelope
}

// DeadLetter is one entry on the dead-letter list. Raw carries the
// original payload for poison messages that never parsed into an
// envelope.
type DeadLetter struct {
	Envelope  JobEnvelope `json:"envelope"`
	Raw       string      `json:"raw,omitempty"`
	LastError string      `json:"last_error"`
	At        time.Time   `json:"at"`
}

// Enqueue pushes an envelope onto the ready queue for immediate pickup.
func (q *Queue) Enqueue(ctx context.Context, env JobEnvelope) error {
	env.EnqueuedAt = time.Now().UTC()
	raw, err := env.marshal()
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, readyKey, raw).Err()
}

// Schedule defers an envelope until runAt.
func (q *Queue) Schedule(ctx context.Context, env JobEnvelope, runAt time.Time) error {
	raw, err := env.marshal()
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: raw,
	}).Err()
}

// Dequeue pops the next ready envelope and places it in-flight with a
// visibility deadline. It returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		// Poison message: it can never be handled, but it stays
		// inspectable on the DLQ instead of recycling in-flight.
		q.deadLetterRaw(ctx, raw, err)
		return nil, err
	}
	return &Delivery{raw: raw, Envelope: env}, nil
}

// Ack removes a delivery from in-flight tracking.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.ZRem(ctx, inflightKey, d.raw).Err()
}

// Requeue acks the delivery and schedules env (possibly with a bumped
// attempt) for runAt. Used both for retry-after-failure and for
// lock-busy backoff.
func (q *Queue) Requeue(ctx context.Context, d *Delivery, env JobEnvelope, runAt time.Time) error {
	raw, err := env.marshal()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, d.raw)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: raw})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled envelopes onto the ready queue.
// It returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	raws, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		pipe.ZRem(ctx, scheduledKey, raw)
		pipe.RPush(ctx, readyKey, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(raws), nil
}

// RequeueExpired reclaims in-flight deliveries whose visibility
// deadline passed, re-enqueuing them with attempt+1 per the
// at-least-once redelivery contract. It returns the reclaimed order ids.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	raws, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	orderIDs := make([]string, 0, len(raws))
	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		pipe.ZRem(ctx, inflightKey, raw)
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			continue
		}
		env.Attempt++
		bumped, err := env.marshal()
		if err != nil {
			continue
		}
		pipe.RPush(ctx, readyKey, bumped)
		orderIDs = append(orderIDs, env.OrderID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return orderIDs, nil
}

// DeadLetterPush moves an exhausted delivery to the dead-letter list
// with the last error attached. This is an ops surface, never
// auto-retried.
func (q *Queue) DeadLetterPush(ctx context.Context, d *Delivery, cause error) error {
	rec := DeadLetter{Envelope: d.Envelope, At: time.Now().UTC()}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, d.raw)
	pipe.RPush(ctx, dlqKey, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) deadLetterRaw(ctx context.Context, raw string, cause error) {
	rec := DeadLetter{Raw: raw, LastError: cause.Error(), At: time.Now().UTC()}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, raw)
	if b, err := json.Marshal(rec); err == nil {
		pipe.RPush(ctx, dlqKey, string(b))
	}
	_, _ = pipe.Exec(ctx)
}

// DLQPeek reads up to count dead-lettered entries without removing them.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raws, err := q.client.LRange(ctx, dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var rec DeadLetter
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
