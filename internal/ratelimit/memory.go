package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	sweepEvery     = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is the single-instance variant used without Redis: one token
// bucket per caller holding limit tokens and refilling limit per window.
// Buckets idle for longer than the TTL are evicted.
type MemoryLimiter struct {
	every rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*limiterEntry
	lastSweep time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	ttl := defaultIdleTTL
	if window > ttl {
		ttl = window
	}
	return &MemoryLimiter{
		every: rate.Every(window / time.Duration(limit)),
		burst: limit,
		ttl:   ttl,
		now:   time.Now,
		m:     make(map[string]*limiterEntry),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) bool {
	now := l.now()
	return l.get(normalize(key), now).AllowN(now, 1)
}

// get returns the bucket for key, creating it on first use.
func (l *MemoryLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweep(now)
	}
	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	lim := rate.NewLimiter(l.every, l.burst)
	l.m[key] = &limiterEntry{l: lim, lastSeen: now}
	return lim
}

// sweep drops idle buckets. Callers hold mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
		}
	}
	l.lastSweep = now
}

// Len reports the number of tracked callers.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
