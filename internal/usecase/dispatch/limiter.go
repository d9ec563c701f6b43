package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 3 * time.Minute

// identityLimiter is a token bucket per caller. Idle buckets are swept on
// access so the map does not grow without bound.
type identityLimiter struct {
	mu        sync.Mutex
	perMinute int
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIdentityLimiter(perMinute, burst int) *identityLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &identityLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

func (l *identityLimiter) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.limiter
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (l *identityLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
