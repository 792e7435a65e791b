// Package redisstore adapts github.com/redis/go-redis/v9 to the small
// Store interfaces used by pkg/circuitbreaker, pkg/metrics, and
// pkg/cache. pkg/queue uses the same *redis.Client directly rather than
// going through this package.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps *redis.Client for the simple key/value and sorted-set
// operations the circuit breaker and metrics flush need.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func NewFromAddr(addr, password string, db int) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}))
}

func (s *Store) Client() *redis.Client { return s.rdb }

// Set implements circuitbreaker.Store and metrics.Store.
func (s *Store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Get implements circuitbreaker.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// AddToSortedSet implements metrics.Store.
func (s *Store) AddToSortedSet(ctx context.Context, setKey, member string, score float64) error {
	return s.rdb.ZAdd(ctx, setKey, redis.Z{Score: score, Member: member}).Err()
}

// TrimSortedSetOlderThan implements metrics.Store, removing every member
// scored strictly below minScore.
func (s *Store) TrimSortedSetOlderThan(ctx context.Context, setKey string, minScore float64) error {
	return s.rdb.ZRemRangeByScore(ctx, setKey, "-inf", "("+strconv.FormatFloat(minScore, 'f', -1, 64)).Err()
}

// CacheStore implements pkg/cache.Store over a *redis.Client, storing
// each value with its stored-at time as one JSON envelope under a
// namespace-prefixed key.
type CacheStore struct {
	rdb *redis.Client
}

func NewCacheStore(rdb *redis.Client) *CacheStore { return &CacheStore{rdb: rdb} }

type cacheEnvelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"stored_at"`
}

func (c *CacheStore) Get(ctx context.Context, namespace, key string) (any, time.Time, bool) {
	raw, err := c.rdb.Get(ctx, "cache:"+namespace+":"+key).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, false
	}
	var v any
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return nil, time.Time{}, false
	}
	return v, time.Unix(env.StoredAt, 0), true
}

func (c *CacheStore) Set(ctx context.Context, namespace, key string, value any, storedAt time.Time) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	env := cacheEnvelope{Value: raw, StoredAt: storedAt.Unix()}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, "cache:"+namespace+":"+key, payload, 0).Err()
}
