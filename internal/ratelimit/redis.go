package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLimiter is a fixed-window limiter backed by Redis. INCR and EXPIRE
// run in one transactional pipeline, so concurrent attempts against the
// same key count atomically across instances.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	policies Policies
	Now      func() time.Time
}

// NewRedisLimiter creates a limiter with the given key prefix and budgets.
func NewRedisLimiter(client *redis.Client, prefix string, policies Policies) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		policies: policies,
		Now:      time.Now,
	}
}

// Allow counts one attempt. A Redis failure rejects: admitting unbounded
// attempts while the backend is down is the one outcome this component must
// never produce.
func (l *RedisLimiter) Allow(ctx context.Context, op Operation, subject string) error {
	pol, ok := l.policies[op]
	if !ok {
		return nil
	}

	key := l.prefix + ":" + BucketKey(op, subject, l.Now(), pol.Window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// Window-sized TTL on first touch; NX keeps a racing attempt from
	// extending the window.
	pipe.ExpireNX(ctx, key, pol.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("operation", string(op)).Msg("rate limit check failed, rejecting")
		return ErrLimitExceeded
	}

	if incr.Val() > pol.Limit {
		return ErrLimitExceeded
	}
	return nil
}

var _ Limiter = (*RedisLimiter)(nil)
