package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

// Events publica los cambios de mercado en un canal Pub/Sub, para que otros
// procesos (el hub websocket de serve) los reciban.
type Events struct {
	client  *Client
	channel string
}

// NewEvents crea el bus de eventos sobre el canal "<prefix>:events".
func NewEvents(c *Client) *Events {
	return &Events{client: c, channel: c.key("events")}
}

// Publish implementa ports.EventPublisher.
func (e *Events) Publish(ctx context.Context, ev domain.MarketEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis.Events.Publish: marshal: %w", err)
	}
	if err := e.client.rdb.Publish(ctx, e.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.Events.Publish: market %d: %w", ev.MarketID, err)
	}
	return nil
}

// Subscribe devuelve un canal con los eventos publicados desde ahora. Se
// cierra cuando ctx se cancela.
func (e *Events) Subscribe(ctx context.Context) (<-chan domain.MarketEvent, error) {
	pubsub := e.client.rdb.Subscribe(ctx, e.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis.Events.Subscribe: %w", err)
	}

	out := make(chan domain.MarketEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.MarketEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("discarding malformed market event", "err", err)
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
