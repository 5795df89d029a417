package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/bus/inmemory"
	"github.com/neo/debate-orchestrator/internal/cache"
)

func TestCallReturnsCachedResultOnHit(t *testing.T) {
	b := inmemory.New()
	c := cache.New(b, time.Minute, true)

	calls := 0
	fn := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("result"), nil
	}

	first, err := c.Call(context.Background(), "refiner", "request-a", fn)
	require.NoError(t, err)
	second, err := c.Call(context.Background(), "refiner", "request-a", fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second call should be served from cache, not re-invoke fn")
}

func TestCallBypassesCacheWhenDisabled(t *testing.T) {
	b := inmemory.New()
	c := cache.New(b, time.Minute, false)

	calls := 0
	fn := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("result"), nil
	}

	_, err := c.Call(context.Background(), "refiner", "request-a", fn)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), "refiner", "request-a", fn)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestCallRetriesTransportErrorThenSucceeds(t *testing.T) {
	b := inmemory.New()
	c := cache.New(b, time.Minute, true)

	attempts := 0
	fn := func(ctx context.Context) ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, cache.Transport{Err: errors.New("connection reset")}
		}
		return []byte("ok"), nil
	}

	result, err := c.Call(context.Background(), "refiner", "request-b", fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, 2, attempts)
}

func TestCallDoesNotRetryPlainError(t *testing.T) {
	b := inmemory.New()
	c := cache.New(b, time.Minute, true)

	attempts := 0
	fn := func(ctx context.Context) ([]byte, error) {
		attempts++
		return nil, errors.New("bad request")
	}

	_, err := c.Call(context.Background(), "refiner", "request-c", fn)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCallExhaustsRetriesOnPersistentRateLimit(t *testing.T) {
	b := inmemory.New()
	c := cache.New(b, 0, true)

	attempts := 0
	fn := func(ctx context.Context) ([]byte, error) {
		attempts++
		return nil, cache.RateLimited{Err: errors.New("429")}
	}

	// Exponential backoff across 3 attempts (2s + 4s) must fit inside the
	// deadline or the context cancels the wait before retries exhaust.
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "refiner", "request-d", fn)
	assert.Error(t, err)
	assert.Equal(t, cache.MaxRetries, attempts)
}

func TestFingerprintIsStableForIdenticalRequests(t *testing.T) {
	a, err := cache.Fingerprint("refiner", map[string]string{"irrelevant": "shape"})
	require.NoError(t, err)
	b, err := cache.Fingerprint("refiner", map[string]string{"irrelevant": "shape"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := cache.Fingerprint("arbiter", map[string]string{"irrelevant": "shape"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "fingerprint must be scoped by role")
}
