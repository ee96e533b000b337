package h2core

import (
	"sync"

	"golang.org/x/time/rate"
)

// negotiationLimiter rate-limits fresh TLS negotiation attempts per
// authority key, preventing a connect storm when many requests race against
// a slow or unreachable authority (§4.5).
type negotiationLimiter struct {
	mu       sync.Mutex
	limiters map[authorityKey]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newNegotiationLimiter(rps float64, burst int) *negotiationLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &negotiationLimiter{
		limiters: make(map[authorityKey]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether a new negotiation attempt for key may start now.
func (l *negotiationLimiter) allow(key authorityKey) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
