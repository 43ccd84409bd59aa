package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	//go:embed scripts/compare_and_swap.lua
	compareAndSwapSource string
	//go:embed scripts/increment.lua
	incrementSource string
	//go:embed scripts/zadd_within_limit.lua
	zaddWithinLimitSource string

	compareAndSwapScript  = redis.NewScript(compareAndSwapSource)
	incrementScript       = redis.NewScript(incrementSource)
	zaddWithinLimitScript = redis.NewScript(zaddWithinLimitSource)
)

// DefaultOpTimeout bounds every Redis call when no timeout is configured.
const DefaultOpTimeout = 500 * time.Millisecond

// RedisStore implements Store interface using Redis. Read-modify-write
// primitives run as Lua scripts so they execute atomically on the server.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

// NewRedisStore creates a new Redis store and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	store := NewRedisStoreWithClient(client, opts.OpTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// NewRedisStoreWithClient creates a new Redis store with an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrUnavailable, err)
}

func millis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}

// Get retrieves the current value for the given key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get", key, err)
	}
	return val, nil
}

// Set sets the value for the given key with expiration
func (s *RedisStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if expiration < 0 {
		expiration = 0
	}
	if err := s.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Delete removes the key from storage
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// CompareAndSwap runs the compare-and-swap script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, expiration time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, oldValue, newValue, millis(expiration)).Int64()
	if err != nil {
		return false, unavailable("compare and swap", key, err)
	}
	return swapped == 1, nil
}

// Increment increments the counter for the given key
func (s *RedisStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := incrementScript.Run(ctx, s.client, []string{key}, millis(expiration)).Int64()
	if err != nil {
		return 0, unavailable("increment", key, err)
	}
	return val, nil
}

// TTL returns the remaining time to live of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", key, err)
	}
	// PTTL reports -1 (no expiry) and -2 (absent) as negative durations.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// ZAdd adds a member with score to a sorted set
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if expiration > 0 {
		pipe.PExpire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("zadd", key, err)
	}
	return nil
}

// ZRemRangeByScore removes members with scores in the given range
func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return unavailable("zremrangebyscore", key, err)
	}
	return nil
}

// ZCard returns the cardinality of a sorted set.
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", key, err)
	}
	return count, nil
}

// ZAddWithinLimit runs the prune-count-add script.
func (s *RedisStore) ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (ZLimitResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := zaddWithinLimitScript.Run(ctx, s.client, []string{key},
		formatScore(cutoff), formatScore(score), member, limit, millis(expiration),
	).Slice()
	if err != nil {
		return ZLimitResult{}, unavailable("zadd within limit", key, err)
	}
	if len(raw) != 3 {
		return ZLimitResult{}, fmt.Errorf("zadd within limit %s: unexpected script reply %v", key, raw)
	}

	added, _ := raw[0].(int64)
	count, _ := raw[1].(int64)
	oldest, err := parseScore(raw[2])
	if err != nil {
		return ZLimitResult{}, fmt.Errorf("zadd within limit %s: %w", key, err)
	}

	return ZLimitResult{Added: added == 1, Count: count, Oldest: oldest}, nil
}

// Ping checks if the storage is accessible
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the storage connection
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseScore(v interface{}) (float64, error) {
	switch s := v.(type) {
	case string:
		return strconv.ParseFloat(s, 64)
	case int64:
		return float64(s), nil
	default:
		return 0, fmt.Errorf("unexpected score type %T", v)
	}
}
