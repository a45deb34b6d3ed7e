// Package allocator turns claim requests into exactly one durable
// allocation, or a well-defined rejection. It never mutates records
// outside the Store's conditional writes.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"csbx.dev/broker/metrics"
	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/store"
)

var (
	// ErrPoolExhausted means no available record existed when the
	// candidate query ran.
	ErrPoolExhausted = errors.New("no sandboxes available in pool")

	// ErrAllConflicted means every candidate lost its conditional
	// write to another claimer. Retryable by the caller.
	ErrAllConflicted = errors.New("all candidates conflicted")
)

type Config struct {
	// KCandidates bounds the claim fan-out. Shuffling K candidates
	// spreads contention away from the head of the available list.
	KCandidates int

	// BackoffBase and BackoffMax shape the jittered sleep between
	// conflicting claim attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// LabDurationHours is the default hold length, also the release
	// validity window.
	LabDurationHours int

	// GracePeriodMinutes extends the hold before the idempotent fast
	// path considers it expired.
	GracePeriodMinutes int
}

type Engine struct {
	store store.Store
	log   *slog.Logger
	clock clock.Clock
	met   *metrics.Metrics
	cfg   Config
}

func NewEngine(log *slog.Logger, clk clock.Clock, st store.Store, met *metrics.Metrics, cfg Config) *Engine {
	if cfg.KCandidates <= 0 {
		cfg.KCandidates = 15
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.LabDurationHours <= 0 {
		cfg.LabDurationHours = model.DefaultLabDurationHours
	}
	return &Engine{
		store: st,
		log:   log.With("component", "allocator"),
		clock: clk,
		met:   met,
		cfg:   cfg,
	}
}

type ClaimRequest struct {
	// Consumer is the per-hold identity of the caller.
	Consumer string
	// IdempotencyKey overrides Consumer as the dedup key when the
	// caller supplies one explicitly.
	IdempotencyKey string
	// TrackName is an optional grouping label stored on the record.
	TrackName string
	// NamePrefix filters candidates by sandbox name.
	NamePrefix string
}

// Claim allocates one sandbox to the requester. The second return is
// true when an existing hold was returned via the idempotent fast path.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*model.Sandbox, bool, error) {
	start := time.Now()
	now := e.clock.Now().Unix()

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = req.Consumer
	}

	existing, err := e.store.QueryByIdem(ctx, idemKey)
	if err != nil {
		e.observeClaim("error", start)
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil && existing.Status == model.StatusAllocated &&
		!existing.IsExpired(now, e.cfg.GracePeriodMinutes) {
		e.met.AllocateIdempotentHits.Inc()
		e.observeClaim("idempotent", start)
		e.log.Info("returning existing allocation",
			"sandbox_id", existing.SandboxID, "consumer", req.Consumer)
		return existing, true, nil
	}

	candidates, _, err := e.store.QueryByStatus(ctx, model.StatusAvailable, int32(e.cfg.KCandidates), "")
	if err != nil {
		e.observeClaim("error", start)
		return nil, false, fmt.Errorf("candidate query: %w", err)
	}
	if req.NamePrefix != "" {
		filtered := candidates[:0]
		for _, sb := range candidates {
			if strings.HasPrefix(sb.Name, req.NamePrefix) {
				filtered = append(filtered, sb)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		e.observeClaim("no_sandboxes", start)
		return nil, false, ErrPoolExhausted
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	conflicts := 0
	for attempt, candidate := range candidates {
		sb, err := e.store.AtomicClaim(ctx, store.ClaimParams{
			SandboxID:      candidate.SandboxID,
			Consumer:       req.Consumer,
			IdempotencyKey: idemKey,
			TrackName:      req.TrackName,
			Now:            now,
		})
		if err == nil {
			if conflicts > 0 {
				e.met.AllocateConflicts.Add(float64(conflicts))
			}
			e.observeClaim("success", start)
			e.log.Info("allocated sandbox",
				"sandbox_id", sb.SandboxID, "consumer", req.Consumer,
				"attempts", attempt+1)
			return sb, false, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			e.observeClaim("error", start)
			return nil, false, fmt.Errorf("claim %s: %w", candidate.SandboxID, err)
		}

		conflicts++
		if attempt < len(candidates)-1 {
			if err := e.backoff(ctx, attempt); err != nil {
				e.observeClaim("error", start)
				return nil, false, err
			}
		}
	}

	e.met.AllocateConflicts.Add(float64(conflicts))
	e.observeClaim("no_sandboxes", start)
	e.log.Warn("claim lost all candidates to contention",
		"consumer", req.Consumer, "candidates", len(candidates))
	return nil, false, ErrAllConflicted
}

// Release marks the caller's hold for deletion. The Store distinguishes
// NotFound, NotOwner and Expired; those pass through untouched.
func (e *Engine) Release(ctx context.Context, sandboxID, consumer string) (*model.Sandbox, error) {
	now := e.clock.Now().Unix()

	sb, err := e.store.AtomicRelease(ctx, store.ReleaseParams{
		SandboxID:      sandboxID,
		Consumer:       consumer,
		Now:            now,
		MaxHoldSeconds: int64(e.cfg.LabDurationHours) * 3600,
	})
	switch {
	case err == nil:
		e.met.DeletionMarkedTotal.WithLabelValues("success").Inc()
		e.log.Info("marked for deletion", "sandbox_id", sandboxID, "consumer", consumer)
		return sb, nil
	case errors.Is(err, store.ErrNotFound):
		e.met.DeletionMarkedTotal.WithLabelValues("not_found").Inc()
	case errors.Is(err, store.ErrExpired):
		e.met.DeletionMarkedTotal.WithLabelValues("expired").Inc()
	case errors.Is(err, store.ErrNotOwner):
		e.met.DeletionMarkedTotal.WithLabelValues("not_owner").Inc()
	default:
		e.met.DeletionMarkedTotal.WithLabelValues("error").Inc()
	}
	return nil, err
}

// Describe returns the record only to its current owner.
func (e *Engine) Describe(ctx context.Context, sandboxID, consumer string) (*model.Sandbox, error) {
	sb, err := e.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.IsOwnedBy(consumer) {
		return nil, store.ErrNotOwner
	}
	return sb, nil
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	ceiling := e.cfg.BackoffBase << uint(attempt)
	if ceiling > e.cfg.BackoffMax {
		ceiling = e.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Float64() * float64(ceiling))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func (e *Engine) observeClaim(outcome string, start time.Time) {
	e.met.AllocateTotal.WithLabelValues(outcome).Inc()
	e.met.AllocationLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
