package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/turtacn/arena-realtime/internal/domain/models"
)

// LocalBucketPool is a process-local set of token buckets used while the
// shared store is unreachable. Limits are per process, so a client spread
// over N processes gets up to N times the configured rate.
type LocalBucketPool struct {
	mu      sync.Mutex
	buckets *cache.Cache
	idleTTL time.Duration
	now     func() time.Time
}

// NewLocalBucketPool creates a pool whose idle buckets are evicted after idleTTL.
//
// Parameters:
//   - idleTTL: How long an unused bucket is kept
//
// Returns:
//   - *LocalBucketPool: Empty pool
func NewLocalBucketPool(idleTTL time.Duration) *LocalBucketPool {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &LocalBucketPool{
		buckets: cache.New(idleTTL, idleTTL),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// CheckAndConsume mirrors the shared store's bucket semantics locally.
func (p *LocalBucketPool) CheckAndConsume(key string, cost int64, r float64, burst int64) models.BucketResult {
	if r <= 0 || burst <= 0 {
		return models.BucketResult{Allowed: true, Remaining: burst}
	}

	now := p.now()
	lim := p.getOrCreate(key, r, burst, now)

	if lim.AllowN(now, int(cost)) {
		return models.BucketResult{
			Allowed:   true,
			Remaining: int64(math.Floor(lim.TokensAt(now))),
		}
	}

	missing := float64(cost) - lim.TokensAt(now)
	retry := time.Duration(math.Ceil(missing/r*1000)) * time.Millisecond
	return models.BucketResult{Allowed: false, RetryAfter: retry}
}

// Size returns the number of live buckets.
func (p *LocalBucketPool) Size() int {
	return p.buckets.ItemCount()
}

// Clear drops all buckets.
func (p *LocalBucketPool) Clear() {
	p.buckets.Flush()
}

func (p *LocalBucketPool) getOrCreate(key string, r float64, burst int64, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		if lim.Limit() != rate.Limit(r) {
			lim.SetLimitAt(now, rate.Limit(r))
		}
		if lim.Burst() != int(burst) {
			lim.SetBurstAt(now, int(burst))
		}
		// refresh idle expiry
		p.buckets.Set(key, lim, p.idleTTL)
		return lim
	}

	lim := rate.NewLimiter(rate.Limit(r), int(burst))
	p.buckets.Set(key, lim, p.idleTTL)
	return lim
}
