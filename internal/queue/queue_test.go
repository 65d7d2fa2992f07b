package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"namegen/internal/session"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStreamQueueRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "namegen:jobs", "namegen-workers", "w1", 10*time.Millisecond)

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job := GenerationJob{
		SessionID:    "gen_abc",
		UserID:       "u1",
		Description:  "A modern coffee shop",
		Mode:         session.ModeCreative,
		DeepThinking: false,
		ModelIDs:     []string{"gpt-4", "claude-3.5-sonnet"},
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.SessionID != "gen_abc" || got.Mode != session.ModeCreative || len(got.ModelIDs) != 2 {
		t.Fatalf("job mangled in transit: %+v", got)
	}
	if got.EnqueuedAt.IsZero() {
		t.Fatal("enqueue must stamp the job")
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msgs, err = q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("acked message must not be redelivered, got %d", len(msgs))
	}
}

func TestEnqueueRequiresSessionID(t *testing.T) {
	q := NewStreamQueue(testRedis(t), "namegen:jobs", "g", "c", time.Millisecond)
	if _, err := q.Enqueue(context.Background(), GenerationJob{}); err == nil {
		t.Fatal("job without session id must be rejected")
	}
}

func TestRequestDeduplicator(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	d := NewRequestDeduplicator(rdb, time.Hour)

	got, first, err := d.Claim(ctx, "u1", "req-1", "gen_a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !first || got != "gen_a" {
		t.Fatalf("first claim should win: first=%v got=%q", first, got)
	}

	got, first, err = d.Claim(ctx, "u1", "req-1", "gen_b")
	if err != nil {
		t.Fatalf("claim#2: %v", err)
	}
	if first || got != "gen_a" {
		t.Fatalf("duplicate must return the original session: first=%v got=%q", first, got)
	}

	// Other users get their own namespace.
	got, first, err = d.Claim(ctx, "u2", "req-1", "gen_c")
	if err != nil {
		t.Fatalf("claim other user: %v", err)
	}
	if !first || got != "gen_c" {
		t.Fatalf("request ids are per user: first=%v got=%q", first, got)
	}
}

func TestEventBusProgress(t *testing.T) {
	rdb := testRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := NewEventBus(rdb)
	events, stop := bus.SubscribeProgress(ctx, "gen_x")
	defer stop()

	// Subscription setup races the publish; give it a moment.
	time.Sleep(50 * time.Millisecond)

	ev := ProgressEvent{SessionID: "gen_x", Status: session.StatusRunning, Progress: 50, Step: "gpt-4 finished"}
	if err := bus.PublishProgress(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.Progress != 50 || got.Status != session.StatusRunning {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for progress event")
	}
}

func TestWatchCancel(t *testing.T) {
	rdb := testRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := NewEventBus(rdb)
	runCtx, stop := bus.WatchCancel(ctx, "gen_y")
	defer stop()

	time.Sleep(50 * time.Millisecond)
	if err := bus.SignalCancel(ctx, "gen_y"); err != nil {
		t.Fatalf("signal cancel: %v", err)
	}

	select {
	case <-runCtx.Done():
	case <-ctx.Done():
		t.Fatal("cancel signal did not propagate")
	}
}
