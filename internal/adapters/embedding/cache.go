package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// Cache stores embeddings by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, value []float32) error
}

// CacheConfig selects and sizes a cache backend.
type CacheConfig struct {
	Type      string // "redis", "memory", "none"
	KeyPrefix string
	MaxSize   int
	TTL       time.Duration
}

// NewCache builds the configured backend. client is only used by "redis".
func NewCache(cfg CacheConfig, client redis.UniversalClient) (Cache, error) {
	switch cfg.Type {
	case "redis":
		if client == nil {
			return nil, errors.New("redis cache needs a redis client")
		}
		return NewRedisCache(client, cfg.KeyPrefix, cfg.TTL), nil
	case "memory":
		return NewMemoryCache(cfg.MaxSize, cfg.TTL)
	case "", "none":
		return NoOpCache{}, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// RedisCache keeps embeddings as little-endian float32 blobs.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed cache.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeVector(data), true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []float32) error {
	return c.client.Set(ctx, c.prefix+key, encodeVector(value), c.ttl).Err()
}

func encodeVector(v []float32) []byte {
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeVector(data []byte) []float32 {
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}

// MemoryCache is a size-bounded LRU with per-entry expiry.
type MemoryCache struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

type cacheEntry struct {
	value     []float32
	expiresAt time.Time
}

// NewMemoryCache creates an LRU cache holding up to maxSize embeddings.
func NewMemoryCache(maxSize int, ttl time.Duration) (*MemoryCache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, found := c.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	entry := val.(cacheEntry)
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)})
	return nil
}

// NoOpCache disables caching.
type NoOpCache struct{}

func (NoOpCache) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }
func (NoOpCache) Set(context.Context, string, []float32) error         { return nil }

// CachedService decorates an EmbeddingService with a cache keyed by model
// and text hash. Cache failures are logged and never fail a request.
type CachedService struct {
	next  ports.EmbeddingService
	cache Cache
	model string
	log   zerolog.Logger
}

// NewCachedService wraps next. model namespaces the keys so switching
// models never returns stale vectors.
func NewCachedService(next ports.EmbeddingService, cache Cache, model string) *CachedService {
	return &CachedService{
		next:  next,
		cache: cache,
		model: model,
		log:   log.With().Str("component", "embedding-cache").Logger(),
	}
}

func (s *CachedService) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return s.model + ":" + hex.EncodeToString(sum[:])
}

// Embed implements ports.EmbeddingService.
func (s *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch serves cached texts locally and forwards only the misses.
func (s *CachedService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		vec, ok, err := s.cache.Get(ctx, s.key(text))
		if err != nil {
			s.log.Warn().Err(err).Msg("embedding cache read failed")
		}
		if ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if err := s.cache.Set(ctx, s.key(texts[i]), vecs[j]); err != nil {
			s.log.Warn().Err(err).Msg("embedding cache write failed")
		}
	}
	s.log.Debug().Int("hits", len(texts)-len(missTexts)).Int("misses", len(missTexts)).Msg("embedding cache")
	return out, nil
}
