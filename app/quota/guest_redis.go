package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuestCounter shares guest counts between server instances.
type RedisGuestCounter struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisGuestOption func(*RedisGuestCounter)

func WithGuestPrefix(prefix string) RedisGuestOption {
	return func(r *RedisGuestCounter) { r.prefix = strings.Trim(prefix, ":") }
}

// WithGuestTTL sets the expiry of period-scoped keys.
func WithGuestTTL(d time.Duration) RedisGuestOption {
	return func(r *RedisGuestCounter) { r.ttl = d }
}

func NewRedisGuestCounter(rdb redis.Cmdable, opts ...RedisGuestOption) *RedisGuestCounter {
	r := &RedisGuestCounter{
		rdb:    rdb,
		prefix: "manga:guest",
		ttl:    48 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisGuestCounter) key(period, addr string) string {
	if period == "" {
		return r.prefix + ":" + addr
	}
	return r.prefix + ":" + period + ":" + addr
}

func (r *RedisGuestCounter) GuestCount(ctx context.Context, period, addr string) (int, error) {
	n, err := r.rdb.Get(ctx, r.key(period, addr)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// IncrementGuest uses INCR so concurrent downloads from one address never
// lose an update. Period-less keys do not expire.
func (r *RedisGuestCounter) IncrementGuest(ctx context.Context, period, addr string) error {
	key := r.key(period, addr)
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	if period != "" && r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
