// Package ratelimit implements token-bucket limiting, keyed per
// conversation, for the message endpoint. A turn costs one token; the
// bucket refills continuously.
package ratelimit

import (
	"sync"
	"time"
)

// Config sizes the buckets.
type Config struct {
	// RequestsPerSecond is the refill rate.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

// DefaultConfig allows short bursts of turns but sustained traffic of
// about one per second.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 1.0, Burst: 5}
}

func (c Config) normalized() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1.0
	}
	if c.Burst <= 0 {
		c.Burst = max(int(c.RequestsPerSecond*2), 5)
	}
	return c
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter hands out tokens per key. Safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a Limiter. Zero config fields fall back to defaults.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.normalized(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.tokens+elapsed*l.cfg.RequestsPerSecond, float64(l.cfg.Burst))
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Reset drops the bucket for key. Used by tests and after conversation
// deletion.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
