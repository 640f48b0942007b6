package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "conv:a:ingest")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&holders, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Zero(t, locker.size(), "entries are reclaimed when unused")
}

func TestLocalLocker_KeysAreIndependent(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	releaseIngest, err := locker.Acquire(ctx, "conv:a:ingest")
	require.NoError(t, err)
	defer releaseIngest()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseAnswer, err := locker.Acquire(ctx, "conv:a:answer")
	require.NoError(t, err)
	releaseAnswer()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	release() // second call is a no-op
	assert.Zero(t, locker.size())

	again, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestLocalInflight(t *testing.T) {
	tracker := NewLocalInflight()
	ctx := context.Background()

	busy, _ := tracker.InFlight(ctx, "conv_a")
	assert.False(t, busy)

	done1, err := tracker.Begin(ctx, "conv_a")
	require.NoError(t, err)
	done2, err := tracker.Begin(ctx, "conv_a")
	require.NoError(t, err)

	done1()
	done1()
	busy, _ = tracker.InFlight(ctx, "conv_a")
	assert.True(t, busy, "second ingestion still running")

	done2()
	busy, _ = tracker.InFlight(ctx, "conv_a")
	assert.False(t, busy)

	other, _ := tracker.InFlight(ctx, "conv_b")
	assert.False(t, other)
}

// redisClient connects to DOCCHAT_TEST_REDIS_ADDR or skips.
func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("DOCCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOCCHAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := redisClient(t)
	locker := NewRedisLocker(client, 3*time.Second)
	key := "test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisInflight(t *testing.T) {
	client := redisClient(t)
	tracker := NewRedisInflight(client, time.Minute)
	ctx := context.Background()
	conv := "conv_" + time.Now().Format("150405.000000")

	done, err := tracker.Begin(ctx, conv)
	require.NoError(t, err)
	busy, err := tracker.InFlight(ctx, conv)
	require.NoError(t, err)
	assert.True(t, busy)

	done()
	busy, err = tracker.InFlight(ctx, conv)
	require.NoError(t, err)
	assert.False(t, busy)
}
