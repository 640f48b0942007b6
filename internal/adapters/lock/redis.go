package lock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

const (
	defaultLockTTL     = 2 * time.Minute
	defaultInflightTTL = 15 * time.Minute
	defaultKeyPrefix   = "docchat:"
	releaseTimeout     = 5 * time.Second
)

// RedisLocker is a distributed ports.Locker backed by redsync. The lock
// expiry is extended in the background for as long as it is held.
type RedisLocker struct {
	rs         *redsync.Redsync
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewRedisLocker creates a locker; ttl <= 0 selects two minutes.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     defaultKeyPrefix + "lock:",
		ttl:        ttl,
		retryDelay: 100 * time.Millisecond,
		log:        log.With().Str("component", "lock").Str("backend", "redis").Logger(),
	}
}

// Acquire retries until the mutex is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(math.MaxInt32),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Join(ctxErr, err)
		}
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(mutex, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if ok, err := mutex.UnlockContext(ctx); err != nil || !ok {
				l.log.Error().Err(err).Str("key", key).Msg("Failed to unlock mutex")
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(mutex *redsync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			ok, err := mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				l.log.Warn().Err(err).Str("key", mutex.Name()).Msg("Failed to extend mutex")
			}
		}
	}
}

// decrScript lowers the counter and drops the key once it reaches zero.
var decrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

// RedisInflight is a ports.InflightTracker shared across instances. Each
// conversation has a counter key whose TTL bounds a crashed holder.
type RedisInflight struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisInflight creates a tracker; ttl <= 0 selects fifteen minutes.
func NewRedisInflight(client redis.UniversalClient, ttl time.Duration) *RedisInflight {
	if ttl <= 0 {
		ttl = defaultInflightTTL
	}
	return &RedisInflight{
		client: client,
		prefix: defaultKeyPrefix + "inflight:",
		ttl:    ttl,
		log:    log.With().Str("component", "inflight").Str("backend", "redis").Logger(),
	}
}

func (t *RedisInflight) Begin(ctx context.Context, conversationID string) (func(), error) {
	key := t.prefix + conversationID
	pipe := t.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := decrScript.Run(ctx, t.client, []string{key}).Err(); err != nil {
				t.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to clear in-flight flag")
			}
		})
	}, nil
}

func (t *RedisInflight) InFlight(ctx context.Context, conversationID string) (bool, error) {
	n, err := t.client.Get(ctx, t.prefix+conversationID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var (
	_ ports.Locker          = (*RedisLocker)(nil)
	_ ports.InflightTracker = (*RedisInflight)(nil)
)
