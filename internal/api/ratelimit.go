package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(key string) bool
}

// BuyerLimiter keeps one token bucket per buyer. Buckets idle for
// longer than idleAfter are swept on access.
type BuyerLimiter struct {
	mu        sync.Mutex
	buyers    map[string]*visitor
	rps       rate.Limit
	burst     int
	idleAfter time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBuyerLimiter allows rps settle calls per second per buyer with the given burst.
// A non-positive rps disables limiting.
func NewBuyerLimiter(rps float64, burst int) *BuyerLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &BuyerLimiter{
		buyers:    make(map[string]*visitor),
		rps:       limit,
		burst:     burst,
		idleAfter: 3 * time.Minute,
		now:       time.Now,
	}
}

func (l *BuyerLimiter) Allow(buyerID string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for id, v := range l.buyers {
			if now.Sub(v.lastSeen) > l.idleAfter {
				delete(l.buyers, id)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.buyers[buyerID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buyers[buyerID] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}
