package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"kasirflow/backend/internal/domain"
)

const redisChannelPrefix = "pos:"

// RedisBridge relays events between server instances. Publish sends to Redis
// pub/sub; Run feeds everything received back into the local Hub, so every
// instance's websocket clients see every instance's events.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
}

func NewRedisBridge(client *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, hub: hub}
}

func (b *RedisBridge) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+event.Channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Channel, err)
	}
	return nil
}

// Run subscribes and relays until ctx is cancelled. ready, if non-nil, is
// closed once the subscription is confirmed.
func (b *RedisBridge) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	log.Printf("[notify] redis bridge subscribed to %s*", redisChannelPrefix)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.hub.Deliver(strings.TrimPrefix(msg.Channel, redisChannelPrefix), []byte(msg.Payload))
		}
	}
}
