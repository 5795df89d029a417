// Package inmemory implements bus.Bus entirely in process memory. It is
// used by unit tests for the DSM, arbitration engine, and cache so they
// exercise the real bus.Bus contract without a Redis dependency, the way
// the teacher's tests exercise real in-memory sqlite instead of mocking
// the database.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/neo/debate-orchestrator/internal/bus"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Bus is a goroutine-safe, in-memory bus.Bus.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
	kv   map[string]entry
}

// New returns an empty in-memory bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
		kv:   make(map[string]entry),
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.out <- bus.Message{Topic: topic, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topics ...string) (bus.Subscription, error) {
	sub := &subscription{bus: b, topics: topics, out: make(chan bus.Message, 64)}

	b.mu.Lock()
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.mu.Unlock()

	return sub, nil
}

func (b *Bus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), value...)
	b.kv[key] = entry{value: cp, expires: exp}
	return nil
}

func (b *Bus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.kv, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (b *Bus) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subsForTopic := range b.subs {
		for _, s := range subsForTopic {
			close(s.out)
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}

type subscription struct {
	bus    *Bus
	topics []string
	out    chan bus.Message
	once   sync.Once
}

func (s *subscription) Channel() <-chan bus.Message {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for _, topic := range s.topics {
			list := s.bus.subs[topic]
			for i, other := range list {
				if other == s {
					s.bus.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		close(s.out)
	})
	return nil
}
