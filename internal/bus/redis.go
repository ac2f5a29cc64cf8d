package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a bus for processes on the same host, carried over Redis pub/sub.
// Pub/sub keeps nothing, which matches the bus contract.
type Redis struct {
	client  *redis.Client
	channel string
}

// frame wraps a message with the publishing subscription's id so it can skip
// its own deliveries.
type frame struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

func NewRedis(client *redis.Client, room string) *Redis {
	return &Redis{client: client, channel: "bus:" + room}
}

type redisSub struct {
	bus       *Redis
	origin    string
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (r *Redis) Subscribe(handler Handler) (Subscription, error) {
	ctx := context.Background()
	pubsub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	sub := &redisSub{
		bus:    r,
		origin: uuid.NewString(),
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go sub.pump(handler)
	return sub, nil
}

func (s *redisSub) pump(handler Handler) {
	for msg := range s.pubsub.Channel() {
		var f frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			log.Debug().Err(err).Str("channel", msg.Channel).Msg("bus: dropping malformed frame")
			continue
		}
		if f.Origin == s.origin {
			continue
		}
		handler(f.Message)
	}
}

func (s *redisSub) Publish(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(frame{Origin: s.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal bus frame: %w", err)
	}
	if err := s.bus.client.Publish(ctx, s.bus.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.bus.channel, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
