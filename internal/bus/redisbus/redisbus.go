// Package redisbus implements bus.Bus over Redis pub/sub and SET...EX,
// the concrete transport spec.md §6's REDIS_* configuration describes.
// It mirrors the original source's BaseAgent, which talks to Redis via
// redis.Redis(...).pubsub() for topics and .set(key, val, ex=ttl) for
// keyed ephemeral state (manus_killswitch_<role>_notes, <role>_heartbeat,
// debate_state, current_speaker, cache:<role>:<fingerprint>).
package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/logging"
)

// poolCap bounds the number of concurrent Publish and Set operations in
// flight (Get and Delete do not take a slot), per spec.md §5's "connection pool to the bus with a cap
// (e.g. 10)". The go-redis client already pools TCP connections
// internally; this semaphore additionally bounds how many of this
// process's goroutines may be waiting on the bus at once.
const poolCap = 10

// Bus is a bus.Bus backed by a single Redis client.
type Bus struct {
	client *redis.Client
	sem    *semaphore.Weighted
}

// Options configures the Redis connection.
type Options struct {
	Host string
	Port int
}

// New dials Redis and returns a ready Bus. It does not verify
// connectivity eagerly; the first Publish/Set call surfaces transport
// errors, which are returned to the caller without retry.
func New(opts Options) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		PoolSize: poolCap,
	})
	return &Bus{client: client, sem: semaphore.NewWeighted(poolCap)}
}

// NewFromClient wraps an existing *redis.Client, used by tests against
// miniredis and by callers that already manage a shared client.
func NewFromClient(client *redis.Client) *Bus {
	return &Bus{client: client, sem: semaphore.NewWeighted(poolCap)}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("redisbus: acquire pool slot: %w", err)
	}
	defer b.sem.Release(1)

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", topic, err)
	}
	logging.LogBusEvent("publish", topic, map[string]interface{}{"bytes": len(payload)})
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topics ...string) (bus.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe %v: %w", topics, err)
	}

	sub := &subscription{pubsub: pubsub, out: make(chan bus.Message, 64)}
	go sub.pump()
	return sub, nil
}

func (b *Bus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("redisbus: acquire pool slot: %w", err)
	}
	defer b.sem.Release(1)

	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisbus: set %s: %w", key, err)
	}
	return nil
}

func (b *Bus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisbus: get %s: %w", key, err)
	}
	return val, true, nil
}

func (b *Bus) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisbus: delete %s: %w", key, err)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.client.Close()
}

type subscription struct {
	pubsub *redis.PubSub
	out    chan bus.Message
}

func (s *subscription) pump() {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for msg := range ch {
		s.out <- bus.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *subscription) Channel() <-chan bus.Message {
	return s.out
}

func (s *subscription) Close() error {
	return s.pubsub.Close()
}
