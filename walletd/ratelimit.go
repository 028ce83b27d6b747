package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// connectionLimiter applies a token bucket per connection id and evicts
// idle buckets.
type connectionLimiter struct {
	limit rate.Limit
	burst int

	mu     sync.Mutex
	byConn map[string]*limiterEntry
	hits   uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newConnectionLimiter returns nil, which allows everything, when rps or
// burst is not positive.
func newConnectionLimiter(rps float64, burst int) *connectionLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &connectionLimiter{
		limit:  rate.Limit(rps),
		burst:  burst,
		byConn: make(map[string]*limiterEntry),
	}
}

// Allow reports whether connID may make another request at now.
func (l *connectionLimiter) Allow(connID string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byConn[connID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byConn[connID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.byConn {
			if v.lastSeen.Before(cutoff) {
				delete(l.byConn, k)
			}
		}
	}
	return allowed
}
