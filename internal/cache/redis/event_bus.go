package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

const (
	// eventChannel carries live lifecycle events over Pub/Sub.
	eventChannel = "tb:lifecycle"
	// eventStream keeps a trimmed durable copy for late readers.
	eventStream = "tb:lifecycle:log"

	streamMaxLen int64 = 10000
)

// EventBus implements domain.EventBus using Redis Pub/Sub for fan-out and a
// Redis Stream for a bounded replayable log.
type EventBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

var _ domain.EventBus = (*EventBus)(nil)

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Publish appends ev to the stream and broadcasts it to subscribers.
func (b *EventBus) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	pipe.Publish(ctx, eventChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", ev.Event, err)
	}
	return nil
}

// Subscribe returns a channel of lifecycle events published from now on.
// The channel is closed when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", eventChannel, err)
	}

	out := make(chan domain.LifecycleEvent, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.LifecycleEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n of the latest events, newest first.
func (b *EventBus) Recent(ctx context.Context, n int64) ([]domain.LifecycleEvent, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, eventStream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", eventStream, err)
	}
	out := make([]domain.LifecycleEvent, 0, len(msgs))
	for _, m := range msgs {
		var data []byte
		switch v := m.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		var ev domain.LifecycleEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
