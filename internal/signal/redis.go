package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

// channelKey is the pub/sub channel carrying signals addressed to identity.
func channelKey(identity string) string {
	return "callsignals:" + identity
}

// RedisChannel relays signals over Redis pub/sub: each identity subscribes
// to its own channel and publishes to the receiver's. Implements
// domain.SignalChannel.
type RedisChannel struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	identity string

	subs      *subscribers
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRedisChannel connects to Redis, verifies the connection and subscribes
// to the local identity's signal channel.
func NewRedisChannel(ctx context.Context, addr, password string, db int, identity string) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, channelKey(identity))
	// Wait for the subscription to be confirmed so no signal published after
	// construction can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	r := &RedisChannel{
		client:   client,
		pubsub:   pubsub,
		identity: identity,
		subs:     newSubscribers(),
		closed:   make(chan struct{}),
	}
	go r.readLoop()

	log.Info().Str("addr", addr).Msg("connected to redis signal relay")
	return r, nil
}

// Send publishes one signal to the receiver's channel.
func (r *RedisChannel) Send(ctx context.Context, sig domain.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return &domain.TransportError{Err: fmt.Errorf("marshal signal: %w", err)}
	}
	if err := r.client.Publish(ctx, channelKey(sig.Receiver), data).Err(); err != nil {
		return &domain.TransportError{Err: err}
	}
	return nil
}

// Subscribe returns the stream of inbound signals addressed to the local
// identity.
func (r *RedisChannel) Subscribe() (<-chan domain.Signal, func()) {
	return r.subs.add()
}

// Close tears down the subscription and the Redis connection. Idempotent.
func (r *RedisChannel) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.pubsub.Close()
		err = r.client.Close()
		r.subs.closeAll()
	})
	return err
}

func (r *RedisChannel) readLoop() {
	for msg := range r.pubsub.Channel() {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			log.Warn().Err(err).Msg("malformed signal on redis channel, dropping")
			continue
		}
		if sig.Receiver != r.identity {
			continue
		}
		r.subs.deliver(sig)
	}

	select {
	case <-r.closed:
	default:
		log.Warn().Msg("redis signal subscription ended")
		r.subs.closeAll()
	}
}
