// Package breaker implements a three-state circuit breaker for upstream
// calls. One instance guards one upstream; state transitions happen under
// a single mutex.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"csbx.dev/broker/pkg/clock"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// OpenError is returned when the breaker rejects a call without
// touching the upstream. RetryAfter is the time until the next probe
// is admitted.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("upstream unavailable, retry after %s", e.RetryAfter.Round(time.Second))
}

type Config struct {
	// Name identifies the guarded upstream in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that
	// opens the breaker.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before
	// admitting a single half-open probe.
	OpenDuration time.Duration
}

type Breaker struct {
	cfg   Config
	log   *slog.Logger
	clock clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(log *slog.Logger, clk clock.Clock, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		log:   log.With("component", "breaker", "upstream", cfg.Name),
		clock: clk,
		state: Closed,
	}
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns an OpenError carrying the retry-after hint. In half-open only
// one in-flight probe is admitted; callers that get past Allow must
// report the outcome with Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		elapsed := b.clock.Now().Sub(b.openedAt)
		if elapsed < b.cfg.OpenDuration {
			return &OpenError{RetryAfter: b.cfg.OpenDuration - elapsed}
		}
		b.state = HalfOpen
		b.probing = true
		b.log.Info("breaker half-open, admitting probe")
		return nil
	case HalfOpen:
		if b.probing {
			return &OpenError{RetryAfter: b.cfg.OpenDuration}
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.log.Info("breaker closed after successful probe")
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.clock.Now()
		b.probing = false
		b.log.Warn("probe failed, breaker re-opened")
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.clock.Now()
			b.log.Warn("breaker opened", "failures", b.failures)
		}
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker, counting its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
