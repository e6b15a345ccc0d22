package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOpts configures NewRedisClient.
type RedisOpts struct {
	URL         string        // redis://[:password@]host:port/db
	DialTimeout time.Duration // default 5s
}

// NewRedisClient parses the URL, connects and pings before returning.
func NewRedisClient(opts RedisOpts) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	ro.DialTimeout = opts.DialTimeout

	rdb := redis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return rdb, nil
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client exposes the underlying client for health checks and metrics.
func (s *RedisStore) Client() redis.UniversalClient { return s.rdb }

func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, wrap(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) IncrByFloatWithExpiry(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	var incr *redis.FloatCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, key, delta)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, wrap(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	// -1 (no expiry) and -2 (missing) both read as zero.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	return n, wrap(err)
}

func (s *RedisStore) PushTrimmed(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return wrap(err)
}

func (s *RedisStore) Range(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return vals, nil
}

func (s *RedisStore) CountPrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	iter := s.rdb.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// globEscaper makes a prefix match literally in a SCAN MATCH pattern.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap(s.rdb.Ping(ctx).Err())
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
