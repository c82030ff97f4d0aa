// Package ratelimit paces outbound REST calls per host. Venue snapshot
// endpoints share one Limiter; each API host gets its own token bucket, so
// a reconnect storm against one venue cannot starve the others.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	rps     float64
	burst   int
}

// NewLimiter creates a limiter that grants rps tokens per second with the
// given burst to every host it sees.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rps,
		burst:   burst,
	}
}

// Allow reports whether a request to host may proceed right now.
func (l *Limiter) Allow(host string) bool {
	return l.bucket(host).Allow()
}

// Wait blocks until a request to host may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.bucket(host).Wait(ctx)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[host]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets[host] = b
	return b
}
