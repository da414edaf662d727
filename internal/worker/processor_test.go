package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"smm-fulfillment/internal/models"
	"smm-fulfillment/internal/notify"
	"smm-fulfillment/internal/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, time.Minute)
}

func startProcessor(t *testing.T, f *fixture, q *queue.Queue, retry RetryPolicy) {
	t.Helper()
	p := NewProcessor(Options{
		Concurrency:       2,
		JobTimeout:        2 * time.Second,
		LockBusyDelay:     5 * time.Millisecond,
		CompensationGrace: time.Second,
		PollInterval:      5 * time.Millisecond,
	}, q, f.machine, retry, notify.Nop{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Run(ctx) }()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessor_ProcessesOrderEndToEnd(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(10_000)
	o := f.seedOrder()
	startProcessor(t, f, q, NewRetryPolicy(3, time.Millisecond))

	if err := q.Enqueue(context.Background(), envFor(o, queue.JobProcessOrder)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "order to reach processing", func() bool {
		return f.store.get("o1").Status == models.StatusProcessing
	})
	if got := f.provider.submitCount(); got != 1 {
		t.Fatalf("submit calls = %d, want 1", got)
	}
	waitFor(t, "queue to drain", func() bool {
		depth, err := q.ReadyDepth(context.Background())
		return err == nil && depth == 0
	})
}

func TestProcessor_StructuralFailureTouchesNoCollaborator(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(10_000)
	o := f.seedOrder()
	startProcessor(t, f, q, NewRetryPolicy(3, time.Millisecond))

	env := envFor(o, queue.JobProcessOrder)
	env.Quantity = 0
	if err := q.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "queue to drain", func() bool {
		depth, err := q.ReadyDepth(context.Background())
		return err == nil && depth == 0
	})
	// Give the worker a beat to (incorrectly) call anything.
	time.Sleep(50 * time.Millisecond)

	f.store.mu.Lock()
	getCalls := f.store.getCalls
	f.store.mu.Unlock()
	if getCalls != 0 {
		t.Fatalf("store touched %d times for a structurally invalid job", getCalls)
	}
	if f.ledger.reserveCount() != 0 || f.provider.submitCount() != 0 {
		t.Fatalf("ledger/provider touched for a structurally invalid job")
	}
	dlq, err := q.DLQPeek(context.Background(), 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dlq) != 0 {
		t.Fatalf("structural failure must not be dead-lettered (never retried, fails in place)")
	}
}

func TestProcessor_TransientFailureRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(10_000)
	o := f.seedOrder()
	f.provider.submitErr = errors.New("connection reset")
	startProcessor(t, f, q, NewRetryPolicy(2, time.Millisecond))

	if err := q.Enqueue(context.Background(), envFor(o, queue.JobProcessOrder)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		dlq, err := q.DLQPeek(context.Background(), 10)
		return err == nil && len(dlq) == 1
	})

	dlq, _ := q.DLQPeek(context.Background(), 10)
	if dlq[0].Envelope.OrderID != "o1" {
		t.Fatalf("dead letter for wrong order: %+v", dlq[0])
	}
	if dlq[0].LastError == "" {
		t.Fatalf("dead letter missing last error")
	}
	if dlq[0].Envelope.Attempt != 2 {
		t.Fatalf("dead-lettered attempt = %d, want 2", dlq[0].Envelope.Attempt)
	}

	waitFor(t, "order forced to failed", func() bool {
		return f.store.get("o1").Status == models.StatusFailed
	})
	// Submission was attempted on every try, the reservation only once,
	// and the abandon compensation gave the hold back.
	if got := f.provider.submitCount(); got != 3 {
		t.Fatalf("submit attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if got := f.ledger.reserveCount(); got != 1 {
		t.Fatalf("reserve calls = %d, want 1", got)
	}
	waitFor(t, "reservation released", func() bool {
		return f.ledger.openReservations() == 0
	})
}
