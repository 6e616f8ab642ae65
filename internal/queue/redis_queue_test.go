package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vibecarding/internal/config"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, config.Config{
		PriorityQueues:    []string{"final", "draft"},
		VisibilityTimeout: time.Minute,
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "draft-0-abc", "draft", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "final-1", "final", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Final priority queue drains before the draft queue.
	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "final-1" {
		t.Fatalf("expected final job first, got %q", id)
	}

	id, err = q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "draft-0-abc" {
		t.Fatalf("expected draft job, got %q", id)
	}

	// Queue drained.
	id, err = q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty dequeue, got %q", id)
	}

	if err := q.Ack(ctx, "final-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Only the unacked lease is reclaimable once it expires.
	future := time.Now().Add(2 * time.Minute)
	ids, err := q.RequeueExpired(ctx, future, 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "draft-0-abc" {
		t.Fatalf("expected draft lease reclaimed, got %v", ids)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, "later", "draft", runAt); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}

	// Not due yet.
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected nothing ready, got id=%q err=%v", id, err)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	id, err = q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "later" {
		t.Fatalf("expected promoted job, got %q", id)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "doomed", "draft", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "doomed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("cancelled job still dequeued: %q", id)
	}
}
