// Package ratelimit is a per-client token bucket. State is per process;
// with N API replicas a client can burst up to N times the configured
// capacity, and an outer layer is expected to enforce the absolute cap.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"csbx.dev/broker/pkg/clock"
)

type Config struct {
	// RequestsPerSecond is the sustained refill rate r.
	RequestsPerSecond float64

	// Burst is the bucket capacity b. New buckets start full.
	Burst int

	// IdleTTL is how long an untouched bucket survives before the
	// reaper drops it.
	IdleTTL time.Duration

	// SweepInterval is how often the reaper runs.
	SweepInterval time.Duration
}

// Decision carries the admit/deny verdict plus the header values the
// HTTP layer attaches to the response.
type Decision struct {
	Allowed bool

	// Limit is the bucket capacity, X-RateLimit-Limit.
	Limit int
	// Remaining is floor(tokens) after this request, X-RateLimit-Remaining.
	Remaining int
	// Reset is ceil(seconds) until the bucket refills completely,
	// X-RateLimit-Reset.
	Reset int
	// RetryAfter is the wait until one token is available. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration
}

type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	cfg   Config
	log   *slog.Logger
	clock clock.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket
}

func New(log *slog.Logger, clk clock.Clock, cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		log:     log.With("component", "ratelimit"),
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Check charges one token against clientID's bucket, creating the
// bucket full on first sight.
func (l *Limiter) Check(clientID string) Decision {
	b := l.bucket(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = l.clock.Now()
	allowed := b.lim.Allow()
	tokens := b.lim.Tokens()
	if tokens < 0 {
		tokens = 0
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     l.cfg.Burst,
		Remaining: int(math.Floor(tokens)),
		Reset:     int(math.Ceil((float64(l.cfg.Burst) - tokens) / l.cfg.RequestsPerSecond)),
	}
	if !allowed {
		d.RetryAfter = time.Duration(math.Ceil(1/l.cfg.RequestsPerSecond)) * time.Second
	}
	return d
}

func (l *Limiter) bucket(clientID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[clientID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[clientID]; ok {
		return b
	}
	b = &bucket{
		lim:      rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		lastSeen: l.clock.Now(),
	}
	l.buckets[clientID] = b
	return b
}

// Size returns the number of live buckets, for the gauge.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug("swept idle rate-limit buckets", "removed", removed, "remaining", len(l.buckets))
	}
}
