package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimit = config.LimitConfig{
	MaxRequests:   3,
	Window:        time.Minute,
	BlockDuration: 2 * time.Minute,
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestWindowBlockAndRecovery(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
			l := New("auth", testLimit, store).WithClock(func() time.Time { return now })

			for i := 0; i < 3; i++ {
				res, err := l.Check(ctx, "10.0.0.1")
				require.NoError(t, err)
				assert.True(t, res.Allowed, "request %d", i+1)
				assert.Equal(t, 2-i, res.Remaining)
			}

			res, err := l.Check(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, ReasonExceeded, res.Reason)
			assert.Equal(t, 2*time.Minute, res.ResetIn)

			// Other identifiers are unaffected.
			res, err = l.Check(ctx, "10.0.0.2")
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			now = now.Add(10 * time.Second)
			res, err = l.Check(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, ReasonBlocked, res.Reason)
			assert.Equal(t, 110*time.Second, res.ResetIn)

			now = now.Add(2 * time.Minute)
			res, err = l.Check(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2, res.Remaining)
			assert.Equal(t, time.Minute, res.ResetIn)
		})
	}
}

func TestWindowResets(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
			l := New("api", testLimit, store).WithClock(func() time.Time { return now })

			for i := 0; i < 3; i++ {
				_, err := l.Check(ctx, "client")
				require.NoError(t, err)
			}

			now = now.Add(20 * time.Second)
			res, err := l.Check(ctx, "client")
			require.NoError(t, err)
			assert.False(t, res.Allowed)

			now = now.Add(5 * time.Minute)
			res, err = l.Check(ctx, "client")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestRemainingWindowReported(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	l := New("api", testLimit, NewMemoryStore()).WithClock(func() time.Time { return now })

	_, err := l.Check(ctx, "client")
	require.NoError(t, err)

	now = now.Add(15 * time.Second)
	res, err := l.Check(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, res.ResetIn)
}

func TestClassesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	auth := New("auth", config.LimitConfig{MaxRequests: 1, Window: time.Minute}, store)
	orders := New("orders", config.LimitConfig{MaxRequests: 1, Window: time.Minute}, store)

	res, err := auth.Check(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = auth.Check(ctx, "client")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = orders.Check(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDefaultBlockDurationIsTwiceWindow(t *testing.T) {
	ctx := context.Background()
	l := New("auth", config.LimitConfig{MaxRequests: 1, Window: time.Minute}, NewMemoryStore())

	_, err := l.Check(ctx, "client")
	require.NoError(t, err)
	res, err := l.Check(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, res.ResetIn)
}

func TestConcurrentChecksCountEveryRequest(t *testing.T) {
	ctx := context.Background()
	l := New("orders", config.LimitConfig{MaxRequests: 50, Window: time.Hour}, NewMemoryStore())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "client")
			assert.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestSweepKeepsBlockedEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := New("auth", config.LimitConfig{MaxRequests: 1, Window: time.Minute, BlockDuration: 10 * time.Minute}, store).
		WithClock(func() time.Time { return now })

	_, err := l.Check(ctx, "quiet")
	require.NoError(t, err)
	_, err = l.Check(ctx, "noisy")
	require.NoError(t, err)
	_, err = l.Check(ctx, "noisy")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	assert.Equal(t, 1, store.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, 1, store.Len())

	assert.Equal(t, 1, store.Sweep(now.Add(11*time.Minute)))
	assert.Equal(t, 0, store.Len())
}
