// Package bus abstracts the publish/subscribe broker with keyed ephemeral
// values and TTL that every other component in the core depends on
// (spec.md §2.1). Concrete adapters live in subpackages: redisbus wraps
// github.com/redis/go-redis/v9 for production use; inmemory is a
// goroutine-safe adapter for tests that exercises the same interface
// without a network dependency.
package bus

import (
	"context"
	"time"
)

// Message is one delivery from a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription receives messages published to a topic until Close is called.
type Subscription interface {
	// Channel returns the delivery channel. It is closed when the
	// subscription is closed or the underlying connection is lost.
	Channel() <-chan Message
	Close() error
}

// Bus is the publish/subscribe + keyed-value contract every component
// (DSM, arbitration engine, cache, agent runtime) depends on.
type Bus interface {
	// Publish sends payload to all current subscribers of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe opens a subscription to one or more topics.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)

	// Set stores value under key with the given TTL. A zero ttl means no
	// expiry (used sparingly; every keyed slot in spec.md §6 carries a TTL
	// except the startup role-notes descriptor).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get retrieves the value for key. ok is false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Delete removes a key, e.g. when a connection pool tears down a slot.
	Delete(ctx context.Context, key string) error

	// Close releases any pooled connections held by the adapter.
	Close() error
}
