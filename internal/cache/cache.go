// Package cache implements the fingerprint-keyed, TTL-bounded memo over
// external model calls (spec.md §4.3), backed by the bus adapter's keyed
// values. It also implements the retry/backoff policy around the call
// itself: exponential backoff on rate limiting, a fixed 1s retry on
// transport errors, and no retry on other failure responses.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/logging"
)

// MaxRetries bounds both the rate-limit backoff loop and the transport
// retry loop (spec.md §4.3: "attempts 1..max_retries=3").
const MaxRetries = 3

// RateLimited is the error a Caller returns to signal an HTTP 429-style
// rate-limit response, triggering exponential backoff (2^attempt seconds).
type RateLimited struct{ Err error }

func (r RateLimited) Error() string { return fmt.Sprintf("rate limited: %v", r.Err) }
func (r RateLimited) Unwrap() error { return r.Err }

// Transport marks a transport-level failure (connection reset, DNS, EOF),
// retried with a fixed 1s delay rather than exponential backoff.
type Transport struct{ Err error }

func (t Transport) Error() string { return fmt.Sprintf("transport error: %v", t.Err) }
func (t Transport) Unwrap() error { return t.Err }

// Caller performs the underlying model call. Implementations classify
// their own failures as RateLimited, Transport, or a plain error (any
// other non-success response, which fails without retry per spec.md §4.3).
type Caller func(ctx context.Context) ([]byte, error)

// Cache wraps a bus.Bus with cache-aside semantics for model calls.
type Cache struct {
	bus     bus.Bus
	ttl     time.Duration
	enabled bool
}

// New returns a Cache. When enabled is false, Call always invokes fn
// directly (no lookup, no store), matching CACHING_ENABLED=false.
func New(b bus.Bus, ttl time.Duration, enabled bool) *Cache {
	return &Cache{bus: b, ttl: ttl, enabled: enabled}
}

// Fingerprint returns a stable key for role+request, grounded on the
// original source's `str(hash(json.dumps(messages)))`: canonicalize via
// encoding/json (which sorts struct fields by declaration order but not
// map keys, so callers should pass a struct or []byte, not a raw map, for
// a stable fingerprint) and hash with FNV-1a.
func Fingerprint(role string, request interface{}) (string, error) {
	canon, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("cache: marshal request for fingerprint: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(canon)
	return fmt.Sprintf("cache:%s:%x", role, h.Sum64()), nil
}

// Call performs a cache-aside model call: on hit, returns the cached
// bytes; on miss, invokes fn under the retry policy and stores a
// successful result under ttl.
func (c *Cache) Call(ctx context.Context, role string, request interface{}, fn Caller) ([]byte, error) {
	key, err := Fingerprint(role, request)
	if err != nil {
		return nil, err
	}

	if c.enabled {
		if cached, ok, err := c.bus.Get(ctx, key); err == nil && ok {
			logging.LogCacheEvent("hit", key, nil)
			return cached, nil
		} else if err != nil {
			logging.LogCacheEvent("lookup_error", key, map[string]interface{}{"error": err.Error()})
		}
	}
	logging.LogCacheEvent("miss", key, nil)

	result, err := c.callWithRetry(ctx, fn)
	if err != nil {
		return nil, err
	}

	if c.enabled {
		if err := c.bus.Set(ctx, key, result, c.ttl); err != nil {
			logging.LogCacheEvent("store_error", key, map[string]interface{}{"error": err.Error()})
		}
	}
	return result, nil
}

func (c *Cache) callWithRetry(ctx context.Context, fn Caller) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var rl RateLimited
		var tr Transport
		switch {
		case asRateLimited(err, &rl):
			lastErr = rl
			if attempt == MaxRetries {
				break
			}
			wait := time.Duration(1<<uint(attempt)) * time.Second
			if !sleep(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		case asTransport(err, &tr):
			lastErr = tr
			if attempt == MaxRetries {
				break
			}
			if !sleep(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		default:
			// Any other non-success response fails without retry.
			return nil, err
		}
	}
	return nil, fmt.Errorf("cache: exhausted %d retries: %w", MaxRetries, lastErr)
}

func asRateLimited(err error, target *RateLimited) bool {
	rl, ok := err.(RateLimited)
	if ok {
		*target = rl
	}
	return ok
}

func asTransport(err error, target *Transport) bool {
	tr, ok := err.(Transport)
	if ok {
		*target = tr
	}
	return ok
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
