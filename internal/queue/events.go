package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"namegen/internal/session"
)

// ProgressEvent is published as each model resolves, decoupling the
// orchestrator from whatever transport (polling, SSE, websocket) serves
// clients.
type ProgressEvent struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Progress  int            `json:"progress"`
	Step      string         `json:"step"`
	At        time.Time      `json:"at"`
}

// EventBus carries progress updates and cancellation signals over redis
// pub/sub channels keyed by session id.
type EventBus struct {
	redis *redis.Client
}

func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{redis: rdb}
}

func progressChannel(sessionID string) string {
	return "namegen:progress:" + sessionID
}

func cancelChannel(sessionID string) string {
	return "namegen:cancel:" + sessionID
}

func (b *EventBus) PublishProgress(ctx context.Context, ev ProgressEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.redis.Publish(ctx, progressChannel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// SubscribeProgress delivers progress events for one session until ctx ends.
func (b *EventBus) SubscribeProgress(ctx context.Context, sessionID string) (<-chan ProgressEvent, func()) {
	sub := b.redis.Subscribe(ctx, progressChannel(sessionID))
	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// SignalCancel notifies a running worker that the session was cancelled. The
// state machine's compare-and-swap is the source of truth; this only shortens
// the wait for in-flight provider calls.
func (b *EventBus) SignalCancel(ctx context.Context, sessionID string) error {
	if err := b.redis.Publish(ctx, cancelChannel(sessionID), "1").Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// WatchCancel cancels the returned context when a cancel signal for the
// session arrives, or when the parent ends.
func (b *EventBus) WatchCancel(ctx context.Context, sessionID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	sub := b.redis.Subscribe(ctx, cancelChannel(sessionID))
	go func() {
		defer func() { _ = sub.Close() }()
		select {
		case <-sub.Channel():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}
