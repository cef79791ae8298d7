package feed

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const ChangesChannel = "stockpos:changes"

type Notification struct {
	Origin     string `json:"origin"`
	ShopID     string `json:"shop_id"`
	Collection string `json:"collection"`
}

// Bus carries change notifications between processes sharing one store.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
	// Subscribe streams notifications until ctx ends.
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

// NoopBus is used by single-process deployments.
type NoopBus struct{}

func (NoopBus) Publish(_ context.Context, _ Notification) error {
	return nil
}

func (NoopBus) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type RedisBus struct {
	client  redis.UniversalClient
	channel string
	log     zerolog.Logger
}

func NewRedisBus(client redis.UniversalClient, log zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: ChangesChannel, log: log.With().Str("component", "feed-bus").Logger()}
}

func (b *RedisBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.log.Warn().Err(err).Msg("dropping malformed change notification")
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
