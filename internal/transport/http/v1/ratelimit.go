package v1

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorTTL = 3 * time.Minute

// ownerLimiter keeps one token bucket per owner.
type ownerLimiter struct {
	rps   float64
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newOwnerLimiter returns a limiter; rps <= 0 disables limiting.
func newOwnerLimiter(rps float64, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		rps:       rps,
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastPrune: time.Now(),
	}
}

// Allow reports whether owner may submit now.
func (l *ownerLimiter) Allow(owner string) bool {
	if l.rps <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastPrune) > time.Minute {
		for id, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, id)
			}
		}
		l.lastPrune = now
	}
	v, exists := l.visitors[owner]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.visitors[owner] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}
