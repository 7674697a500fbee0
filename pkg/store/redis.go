package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis client. Every call carries a short
// timeout so a slow backend degrades to the caller's fail policy instead of
// stalling the request path.
type Redis struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewRedis wraps an existing client. opTimeout bounds each store call;
// zero selects a 150ms default.
func NewRedis(rdb *redis.Client, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 150 * time.Millisecond
	}
	return &Redis{rdb: rdb, opTimeout: opTimeout}
}

// Ping verifies connectivity at startup.
func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return v, true, nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("%w: zadd %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	vals, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: scoreArg(min), Max: scoreArg(max)}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: zrangebyscore %s: %v", ErrUnavailable, key, err)
	}
	return vals, nil
}

func (s *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.ZRemRangeByScore(ctx, key, scoreArg(min), scoreArg(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zremrangebyscore %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (s *Redis) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.ZCount(ctx, key, scoreArg(min), scoreArg(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcount %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func scoreArg(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
