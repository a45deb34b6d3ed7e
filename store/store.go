// Package store is the persistence contract for the sandbox pool. The only
// durable state the broker owns lives behind this interface; the allocation
// engine and the worker loops never mutate records any other way.
//
// Claim and release are linearized by conditional writes: concurrent callers
// on the same sandbox see a total order with exactly one winner. Condition
// failure is a first-class result (ErrConflict and friends), not a fault.
package store

import (
	"context"
	"errors"

	"csbx.dev/broker/model"
)

var (
	// ErrNotFound means no record exists for the sandbox id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrConflict means a conditional write lost: the record was not in the
	// state the mutation required. Callers treat this as control flow.
	ErrConflict = errors.New("conditional write conflict")

	// ErrNotOwner means a release was attempted by a consumer that does not
	// hold the sandbox.
	ErrNotOwner = errors.New("not sandbox owner")

	// ErrExpired means a release arrived after the hold window lapsed.
	ErrExpired = errors.New("allocation expired")

	// ErrUnavailable wraps transient backend failures (throttling, 5xx).
	// Callers retry with backoff; the HTTP layer maps it to 503.
	ErrUnavailable = errors.New("store unavailable")
)

// ClaimParams drives AtomicClaim.
type ClaimParams struct {
	SandboxID      string
	Consumer       string
	IdempotencyKey string
	TrackName      string
	Now            int64
}

// ReleaseParams drives AtomicRelease. MaxHoldSeconds bounds how old an
// allocation may be and still be releasable by its owner.
type ReleaseParams struct {
	SandboxID      string
	Consumer       string
	Now            int64
	MaxHoldSeconds int64
}

type Store interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, sandboxID string) (*model.Sandbox, error)

	// Put is an unconditional upsert. Reserved for seeding and repair; the
	// reconciliation path goes through SyncUpsert so it cannot clobber an
	// active hold.
	Put(ctx context.Context, sb *model.Sandbox) error

	// Delete removes the record unconditionally. Missing records are not an
	// error.
	Delete(ctx context.Context, sandboxID string) error

	// SyncUpsert writes the record only if it is absent or currently
	// available. Returns ErrConflict when the record is in any other state.
	SyncUpsert(ctx context.Context, sb *model.Sandbox) error

	// MarkStale transitions an available record to stale. Returns
	// ErrConflict when the record is no longer available.
	MarkStale(ctx context.Context, sandboxID string, now int64) error

	// AtomicClaim allocates the sandbox to the consumer only if it is still
	// available. Returns ErrConflict when another claimer won.
	AtomicClaim(ctx context.Context, p ClaimParams) (*model.Sandbox, error)

	// AtomicRelease transitions an allocated record to pending_deletion only
	// if the consumer owns it and the hold is within MaxHoldSeconds.
	// Failures are distinguishable: ErrNotFound, ErrNotOwner, ErrExpired.
	AtomicRelease(ctx context.Context, p ReleaseParams) (*model.Sandbox, error)

	// MarkExpired transitions an allocated record to pending_deletion only
	// if it is still allocated and allocated_at is older than cutoff.
	// Returns ErrConflict when the record moved in the meantime.
	MarkExpired(ctx context.Context, sandboxID string, cutoff, now int64) (*model.Sandbox, error)

	// RecordDeletionFailure increments deletion_retry_count and, once the
	// count reaches maxAttempts, parks the record in deletion_failed.
	RecordDeletionFailure(ctx context.Context, sandboxID string, now int64, maxAttempts int) (*model.Sandbox, error)

	// QueryByStatus pages records of one status ordered by allocated_at
	// ascending. An empty next cursor means the listing is exhausted.
	QueryByStatus(ctx context.Context, status model.Status, limit int32, cursor string) ([]*model.Sandbox, string, error)

	// QueryByOwner returns the consumer's current record, or nil.
	QueryByOwner(ctx context.Context, consumer string) (*model.Sandbox, error)

	// QueryByIdem returns the record carrying the idempotency key, or nil.
	QueryByIdem(ctx context.Context, key string) (*model.Sandbox, error)

	// Scan pages the whole pool. Only admin stats and bulk delete use it.
	Scan(ctx context.Context, limit int32, cursor string) ([]*model.Sandbox, string, error)

	// Ping verifies the backend is reachable. Drives /readyz.
	Ping(ctx context.Context) error
}

// IsTransient reports whether the error is a retryable backend failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
