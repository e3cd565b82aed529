package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryLimiter is an in-process fixed-window limiter for single-node
// deployments. Counters live in a ttlcache so spent windows evict
// themselves.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters *ttlcache.Cache[string, int64]
	policies Policies
	Now      func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. Call Stop when done.
func NewMemoryLimiter(policies Policies) *MemoryLimiter {
	cache := ttlcache.New[string, int64](
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go cache.Start()
	return &MemoryLimiter{
		counters: cache,
		policies: policies,
		Now:      time.Now,
	}
}

// Allow counts one attempt against the subject's current window.
func (l *MemoryLimiter) Allow(_ context.Context, op Operation, subject string) error {
	pol, ok := l.policies[op]
	if !ok {
		return nil
	}

	key := BucketKey(op, subject, l.Now(), pol.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var count int64
	if item := l.counters.Get(key); item != nil {
		count = item.Value()
	}
	count++
	l.counters.Set(key, count, pol.Window)

	if count > pol.Limit {
		return ErrLimitExceeded
	}
	return nil
}

// Stop halts the background eviction loop.
func (l *MemoryLimiter) Stop() {
	l.counters.Stop()
}

var _ Limiter = (*MemoryLimiter)(nil)
