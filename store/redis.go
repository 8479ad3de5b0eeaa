package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store wraps the single process-wide Redis client. It is constructed once at
// startup, handed to every component that needs it, and closed on shutdown.
type Store struct {
	client *redis.Client
}

// Connect opens a Redis client and verifies the connection with a short ping.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// HashGet returns the value of one field in a hash. The second return value
// reports whether the field existed.
func (s *Store) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// HashSet writes one field of a hash, replacing any prior value.
func (s *Store) HashSet(ctx context.Context, key, field string, value []byte) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

// HashSetNX writes one field of a hash only if the field does not already
// exist. It reports whether the write happened.
func (s *Store) HashSetNX(ctx context.Context, key, field string, value []byte) (bool, error) {
	return s.client.HSetNX(ctx, key, field, value).Result()
}

// HashGetAll returns every field of a hash.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

// HashDelete removes the named fields from a hash.
func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

// Publish sends a payload on a pub/sub channel. Delivery is fire-and-forget:
// subscribers that are not listening at publish time never see the message.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscription is a live pub/sub subscription to a single channel.
type Subscription struct {
	ps *redis.PubSub
	ch chan []byte
}

// Subscribe opens a subscription on one channel. Messages arriving after this
// call are delivered on Messages; there is no replay of history.
func (s *Store) Subscribe(ctx context.Context, channel string) *Subscription {
	ps := s.client.Subscribe(ctx, channel)
	sub := &Subscription{ps: ps, ch: make(chan []byte, 16)}
	go sub.pump()
	return sub
}

func (sub *Subscription) pump() {
	defer close(sub.ch)
	for msg := range sub.ps.Channel() {
		sub.ch <- []byte(msg.Payload)
	}
}

// Messages returns the delivery channel. It is closed when the subscription
// closes.
func (sub *Subscription) Messages() <-chan []byte {
	return sub.ch
}

// Close tears down the subscription and drains the delivery channel.
func (sub *Subscription) Close() error {
	err := sub.ps.Close()
	if err != nil {
		log.Warn().Err(err).Msg("store: closing subscription failed")
	}
	return err
}
