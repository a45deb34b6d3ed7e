// Package admin implements pool reconciliation and operator actions:
// upstream sync, deletion cleanup, auto-expiry, stale purge, stats and
// bulk delete. The worker loops and the admin API both call into it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"csbx.dev/broker/breaker"
	"csbx.dev/broker/csp"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/store"
)

type Config struct {
	// CleanupBatchSize and CleanupBatchDelay throttle destroy calls
	// to roughly BatchSize/BatchDelay per second.
	CleanupBatchSize  int
	CleanupBatchDelay time.Duration

	// DeletionRetryMaxAttempts is how many failed destroys a record
	// absorbs before it parks in deletion_failed.
	DeletionRetryMaxAttempts int

	// LabDurationHours plus GracePeriodMinutes defines the auto-expiry
	// horizon for allocations that were never released.
	LabDurationHours   int
	GracePeriodMinutes int

	// StaleGraceHours is how long a stale record survives for
	// operator inspection before StaleDelete purges it.
	StaleGraceHours int
}

type Service struct {
	store store.Store
	csp   csp.Client
	met   *metrics.Metrics
	log   *slog.Logger
	clock clock.Clock
	cfg   Config
}

func NewService(log *slog.Logger, clk clock.Clock, st store.Store, upstream csp.Client, met *metrics.Metrics, cfg Config) *Service {
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = 10
	}
	if cfg.CleanupBatchDelay <= 0 {
		cfg.CleanupBatchDelay = 2 * time.Second
	}
	if cfg.DeletionRetryMaxAttempts <= 0 {
		cfg.DeletionRetryMaxAttempts = 3
	}
	if cfg.LabDurationHours <= 0 {
		cfg.LabDurationHours = model.DefaultLabDurationHours
	}
	if cfg.StaleGraceHours <= 0 {
		cfg.StaleGraceHours = 24
	}
	return &Service{
		store: st,
		csp:   upstream,
		met:   met,
		log:   log.With("component", "admin"),
		clock: clk,
		cfg:   cfg,
	}
}

type SyncResult struct {
	Synced      int   `json:"synced"`
	MarkedStale int   `json:"marked_stale"`
	DurationMs  int64 `json:"duration_ms"`
}

// Sync reconciles the pool with the upstream account list. Records
// missing upstream go stale; allocated and pending_deletion records are
// never overwritten.
func (s *Service) Sync(ctx context.Context) (*SyncResult, error) {
	start := time.Now()

	accounts, err := s.csp.ListActiveSandboxes(ctx)
	if err != nil {
		s.met.SyncTotal.WithLabelValues("error").Inc()
		s.met.SyncDuration.Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("list upstream sandboxes: %w", err)
	}

	existing, err := s.statusByID(ctx)
	if err != nil {
		s.met.SyncTotal.WithLabelValues("error").Inc()
		s.met.SyncDuration.Observe(time.Since(start).Seconds())
		return nil, err
	}

	now := s.clock.Now().Unix()
	res := &SyncResult{}

	fetched := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		fetched[acct.SandboxID] = true

		err := s.store.SyncUpsert(ctx, &model.Sandbox{
			SandboxID:        acct.SandboxID,
			Name:             acct.Name,
			ExternalID:       acct.ExternalID,
			Status:           model.StatusAvailable,
			LabDurationHours: model.DefaultLabDurationHours,
			LastSynced:       now,
			CreatedAt:        acct.CreatedAt,
			UpdatedAt:        now,
		})
		switch {
		case err == nil:
			res.Synced++
		case errors.Is(err, store.ErrConflict):
			// allocated, pending or parked; leave it alone
		default:
			s.log.Error("sync upsert failed", "sandbox_id", acct.SandboxID, "error", err)
		}
	}

	for id, status := range existing {
		if fetched[id] || status != model.StatusAvailable {
			continue
		}
		switch err := s.store.MarkStale(ctx, id, now); {
		case err == nil:
			res.MarkedStale++
			s.log.Warn("sandbox vanished upstream, marked stale", "sandbox_id", id)
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// claimed or removed since the snapshot
		default:
			s.log.Error("mark stale failed", "sandbox_id", id, "error", err)
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	s.met.SyncTotal.WithLabelValues("success").Inc()
	s.met.SyncSandboxesSynced.Add(float64(res.Synced))
	s.met.SyncSandboxesStale.Add(float64(res.MarkedStale))
	s.met.SyncDuration.Observe(time.Since(start).Seconds())

	s.log.Info("sync complete",
		"upstream", len(accounts), "synced", res.Synced, "marked_stale", res.MarkedStale,
		"duration_ms", res.DurationMs)
	return res, nil
}

type CleanupResult struct {
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// Cleanup destroys the upstream object behind every pending_deletion
// record, in throttled batches. A destroy that 404s upstream still
// counts as success. When the breaker is open the iteration stops
// early rather than burning retry budget on calls that never leave the
// process.
func (s *Service) Cleanup(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	res := &CleanupResult{}

	cursor := ""
	firstBatch := true
	for {
		batch, next, err := s.store.QueryByStatus(ctx, model.StatusPendingDeletion, int32(s.cfg.CleanupBatchSize), cursor)
		if err != nil {
			s.met.CleanupTotal.WithLabelValues("error").Inc()
			s.met.CleanupDuration.Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("query pending_deletion: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if !firstBatch {
			if err := sleepCtx(ctx, s.cfg.CleanupBatchDelay); err != nil {
				return res, err
			}
		}
		firstBatch = false

		stop := false
		for _, sb := range batch {
			open, err := s.destroyOne(ctx, sb, res)
			if err != nil {
				s.log.Error("cleanup record failed", "sandbox_id", sb.SandboxID, "error", err)
			}
			if open {
				stop = true
				break
			}
		}
		if stop || next == "" {
			break
		}
		cursor = next
	}

	res.DurationMs = time.Since(start).Milliseconds()
	s.met.CleanupTotal.WithLabelValues("success").Inc()
	s.met.CleanupDuration.Observe(time.Since(start).Seconds())

	s.log.Info("cleanup complete",
		"deleted", res.Deleted, "failed", res.Failed, "duration_ms", res.DurationMs)
	return res, nil
}

// destroyOne returns open=true when the breaker rejected the call.
func (s *Service) destroyOne(ctx context.Context, sb *model.Sandbox, res *CleanupResult) (bool, error) {
	result, err := s.csp.Destroy(ctx, sb.ExternalID)

	var open *breaker.OpenError
	if errors.As(err, &open) {
		s.log.Warn("upstream unavailable, stopping cleanup iteration",
			"retry_after", open.RetryAfter)
		return true, nil
	}

	if err == nil && (result == csp.DestroyOk || result == csp.DestroyGone) {
		if err := s.store.Delete(ctx, sb.SandboxID); err != nil {
			return false, fmt.Errorf("delete record: %w", err)
		}
		res.Deleted++
		s.met.CleanupDeleted.Inc()
		s.log.Info("destroyed sandbox", "sandbox_id", sb.SandboxID,
			"external_id", sb.ExternalID, "result", result.String())
		return false, nil
	}

	res.Failed++
	s.met.CleanupFailed.Inc()
	updated, ferr := s.store.RecordDeletionFailure(ctx, sb.SandboxID, s.clock.Now().Unix(), s.cfg.DeletionRetryMaxAttempts)
	if ferr != nil {
		return false, fmt.Errorf("record deletion failure: %w", ferr)
	}
	if updated.Status == model.StatusDeletionFailed {
		s.log.Error("sandbox deletion parked after repeated failures",
			"sandbox_id", sb.SandboxID, "attempts", updated.DeletionRetryCount)
	} else {
		s.log.Warn("sandbox destroy failed, will retry",
			"sandbox_id", sb.SandboxID, "attempts", updated.DeletionRetryCount, "error", err)
	}
	return false, nil
}

type ExpiryResult struct {
	Expired    int   `json:"expired"`
	DurationMs int64 `json:"duration_ms"`
}

// AutoExpire reclaims allocations whose hold lapsed without a release.
func (s *Service) AutoExpire(ctx context.Context) (*ExpiryResult, error) {
	start := time.Now()
	now := s.clock.Now().Unix()
	cutoff := now - int64(s.cfg.LabDurationHours)*3600 - int64(s.cfg.GracePeriodMinutes)*60

	res := &ExpiryResult{}
	cursor := ""
	for {
		page, next, err := s.store.QueryByStatus(ctx, model.StatusAllocated, 100, cursor)
		if err != nil {
			s.met.ExpiryTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("query allocated: %w", err)
		}

		done := false
		for _, sb := range page {
			// the index is ordered by allocated_at ascending
			if sb.AllocatedAt >= cutoff {
				done = true
				break
			}
			switch _, err := s.store.MarkExpired(ctx, sb.SandboxID, cutoff, now); {
			case err == nil:
				res.Expired++
				s.met.ExpiryOrphaned.Inc()
				s.log.Warn("auto-expired orphaned allocation",
					"sandbox_id", sb.SandboxID, "allocated_to", sb.AllocatedTo,
					"allocated_at", sb.AllocatedAt)
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				// released or already expired concurrently
			default:
				s.log.Error("auto-expire failed", "sandbox_id", sb.SandboxID, "error", err)
			}
		}
		if done || next == "" {
			break
		}
		cursor = next
	}

	res.DurationMs = time.Since(start).Milliseconds()
	s.met.ExpiryTotal.WithLabelValues("success").Inc()
	if res.Expired > 0 {
		s.log.Info("auto-expiry complete", "expired", res.Expired, "duration_ms", res.DurationMs)
	}
	return res, nil
}

type StaleDeleteResult struct {
	Deleted    int   `json:"deleted"`
	DurationMs int64 `json:"duration_ms"`
}

// DeleteStale purges stale records older than the operator grace
// window. graceHours overrides the configured window when positive.
// No upstream call; the object is already gone.
func (s *Service) DeleteStale(ctx context.Context, graceHours int) (*StaleDeleteResult, error) {
	start := time.Now()
	if graceHours <= 0 {
		graceHours = s.cfg.StaleGraceHours
	}
	cutoff := s.clock.Now().Unix() - int64(graceHours)*3600

	res := &StaleDeleteResult{}
	cursor := ""
	for {
		page, next, err := s.store.QueryByStatus(ctx, model.StatusStale, 100, cursor)
		if err != nil {
			return nil, fmt.Errorf("query stale: %w", err)
		}
		for _, sb := range page {
			if sb.UpdatedAt >= cutoff {
				continue
			}
			if err := s.store.Delete(ctx, sb.SandboxID); err != nil {
				s.log.Error("stale delete failed", "sandbox_id", sb.SandboxID, "error", err)
				continue
			}
			res.Deleted++
			s.log.Info("purged stale sandbox", "sandbox_id", sb.SandboxID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// List pages records, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *model.Status, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if status != nil {
		return s.store.QueryByStatus(ctx, *status, limit, cursor)
	}
	return s.store.Scan(ctx, limit, cursor)
}

// Stats counts records by status with a streaming scan.
type Stats struct {
	Total           int `json:"total"`
	Available       int `json:"available"`
	Allocated       int `json:"allocated"`
	PendingDeletion int `json:"pending_deletion"`
	Stale           int `json:"stale"`
	DeletionFailed  int `json:"deletion_failed"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	cursor := ""
	for {
		page, next, err := s.store.Scan(ctx, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		for _, sb := range page {
			stats.Total++
			switch sb.Status {
			case model.StatusAvailable:
				stats.Available++
			case model.StatusAllocated:
				stats.Allocated++
			case model.StatusPendingDeletion:
				stats.PendingDeletion++
			case model.StatusStale:
				stats.Stale++
			case model.StatusDeletionFailed:
				stats.DeletionFailed++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return stats, nil
}

type BulkDeleteResult struct {
	Deleted    int   `json:"deleted"`
	DurationMs int64 `json:"duration_ms"`
}

// BulkDelete removes records from the Store only; upstream objects are
// untouched. Meant for clearing stale or deletion_failed backlogs.
func (s *Service) BulkDelete(ctx context.Context, status *model.Status) (*BulkDeleteResult, error) {
	start := time.Now()
	res := &BulkDeleteResult{}

	for {
		var page []*model.Sandbox
		var err error
		// re-query from the start: deletions shift the pages under a cursor
		if status != nil {
			page, _, err = s.store.QueryByStatus(ctx, *status, 100, "")
		} else {
			page, _, err = s.store.Scan(ctx, 100, "")
		}
		if err != nil {
			return nil, fmt.Errorf("query for bulk delete: %w", err)
		}
		if len(page) == 0 {
			break
		}

		progressed := false
		for _, sb := range page {
			if err := s.store.Delete(ctx, sb.SandboxID); err != nil {
				s.log.Error("bulk delete failed", "sandbox_id", sb.SandboxID, "error", err)
				continue
			}
			res.Deleted++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	s.log.Info("bulk delete complete", "deleted", res.Deleted,
		"status", statusLabel(status), "duration_ms", res.DurationMs)
	return res, nil
}

func (s *Service) statusByID(ctx context.Context) (map[string]model.Status, error) {
	out := map[string]model.Status{}
	cursor := ""
	for {
		page, next, err := s.store.Scan(ctx, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		for _, sb := range page {
			out[sb.SandboxID] = sb.Status
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func statusLabel(status *model.Status) string {
	if status == nil {
		return "all"
	}
	return string(*status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
