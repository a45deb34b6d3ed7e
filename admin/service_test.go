package admin

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csbx.dev/broker/breaker"
	"csbx.dev/broker/csp"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/pkg/testutils"
	"csbx.dev/broker/store"
)

// fakeCsp scripts upstream responses per external id.
type fakeCsp struct {
	accounts  []csp.Account
	listErr   error
	destroys  []string
	responses map[string]csp.DestroyResult
	errs      map[string]error
}

func (f *fakeCsp) ListActiveSandboxes(ctx context.Context) ([]csp.Account, error) {
	return f.accounts, f.listErr
}

func (f *fakeCsp) Destroy(ctx context.Context, externalID string) (csp.DestroyResult, error) {
	f.destroys = append(f.destroys, externalID)
	if err, ok := f.errs[externalID]; ok {
		return csp.DestroyFailed, err
	}
	if res, ok := f.responses[externalID]; ok {
		return res, nil
	}
	return csp.DestroyOk, nil
}

func newTestService(t *testing.T, upstream csp.Client) (*Service, *store.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	log := testutils.TestLogger(t)
	st := store.NewMemory()
	svc := NewService(log, clk, st, upstream, metrics.New(log, clk, time.Minute), Config{
		CleanupBatchSize:         10,
		CleanupBatchDelay:        time.Millisecond,
		DeletionRetryMaxAttempts: 3,
		LabDurationHours:         4,
		GracePeriodMinutes:       30,
		StaleGraceHours:          24,
	})
	return svc, st, clk
}

func put(t *testing.T, st *store.Memory, sb *model.Sandbox) {
	t.Helper()
	require.NoError(t, st.Put(context.Background(), sb))
}

func TestSyncCreatesAndMarksStale(t *testing.T) {
	upstream := &fakeCsp{accounts: []csp.Account{
		{SandboxID: "s1", Name: "one", ExternalID: "ext-1", CreatedAt: 50},
		{SandboxID: "s2", Name: "two", ExternalID: "ext-2", CreatedAt: 60},
	}}
	svc, st, clk := newTestService(t, upstream)
	ctx := context.Background()

	// s3 exists locally but not upstream anymore
	put(t, st, &model.Sandbox{SandboxID: "s3", Status: model.StatusAvailable})

	res, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.MarkedStale)

	s1, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, s1.Status)
	assert.Equal(t, clk.Now().Unix(), s1.LastSynced)
	assert.Equal(t, int64(50), s1.CreatedAt)

	s3, err := st.Get(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStale, s3.Status)
}

func TestSyncNeverOverwritesHolds(t *testing.T) {
	upstream := &fakeCsp{accounts: []csp.Account{
		{SandboxID: "s1", Name: "one", ExternalID: "ext-1"},
	}}
	svc, st, _ := newTestService(t, upstream)
	ctx := context.Background()

	put(t, st, &model.Sandbox{
		SandboxID: "s1", Status: model.StatusAllocated, AllocatedTo: "c1", AllocatedAt: 500,
	})

	res, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)

	sb, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllocated, sb.Status)
	assert.Equal(t, "c1", sb.AllocatedTo)
}

func TestSyncDoesNotResurrectStale(t *testing.T) {
	upstream := &fakeCsp{accounts: []csp.Account{
		{SandboxID: "s1", Name: "one", ExternalID: "ext-1"},
	}}
	svc, st, _ := newTestService(t, upstream)
	ctx := context.Background()

	put(t, st, &model.Sandbox{SandboxID: "s1", Status: model.StatusStale})

	res, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)

	sb, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStale, sb.Status)
}

func TestSyncUpstreamError(t *testing.T) {
	upstream := &fakeCsp{listErr: errors.New("boom")}
	svc, _, _ := newTestService(t, upstream)

	_, err := svc.Sync(context.Background())
	require.Error(t, err)
}

func TestCleanupDestroysAndDeletes(t *testing.T) {
	upstream := &fakeCsp{responses: map[string]csp.DestroyResult{
		"ext-2": csp.DestroyGone,
	}}
	svc, st, _ := newTestService(t, upstream)
	ctx := context.Background()

	put(t, st, &model.Sandbox{SandboxID: "s1", ExternalID: "ext-1", Status: model.StatusPendingDeletion})
	put(t, st, &model.Sandbox{SandboxID: "s2", ExternalID: "ext-2", Status: model.StatusPendingDeletion})
	put(t, st, &model.Sandbox{SandboxID: "s3", ExternalID: "ext-3", Status: model.StatusAvailable})

	res, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 0, res.Failed)

	_, err = st.Get(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, "s2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// untouched
	_, err = st.Get(ctx, "s3")
	require.NoError(t, err)
}

func TestCleanupFailureParksAfterMaxAttempts(t *testing.T) {
	upstream := &fakeCsp{errs: map[string]error{"ext-1": errors.New("upstream 500")}}
	svc, st, _ := newTestService(t, upstream)
	ctx := context.Background()

	put(t, st, &model.Sandbox{SandboxID: "s1", ExternalID: "ext-1", Status: model.StatusPendingDeletion})

	for i := 1; i <= 2; i++ {
		res, err := svc.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		sb, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPendingDeletion, sb.Status)
		assert.Equal(t, i, sb.DeletionRetryCount)
	}

	_, err := svc.Cleanup(ctx)
	require.NoError(t, err)

	sb, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeletionFailed, sb.Status)
	assert.Equal(t, 3, sb.DeletionRetryCount)

	// parked records are no longer retried
	calls := len(upstream.destroys)
	_, err = svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, len(upstream.destroys))
}

func TestCleanupStopsWhenBreakerOpen(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	log := testutils.TestLogger(t)

	failing := &fakeCsp{errs: map[string]error{
		"ext-1": errors.New("down"), "ext-2": errors.New("down"),
	}}
	brk := breaker.New(log, clk, breaker.Config{Name: "csp", FailureThreshold: 1, OpenDuration: time.Minute})
	guarded := csp.Guard(failing, brk)

	st := store.NewMemory()
	svc := NewService(log, clk, st, guarded, metrics.New(log, clk, time.Minute), Config{
		CleanupBatchSize: 10, CleanupBatchDelay: time.Millisecond, DeletionRetryMaxAttempts: 3,
	})
	ctx := context.Background()

	put(t, st, &model.Sandbox{SandboxID: "s1", ExternalID: "ext-1", Status: model.StatusPendingDeletion})
	put(t, st, &model.Sandbox{SandboxID: "s2", ExternalID: "ext-2", Status: model.StatusPendingDeletion})

	res, err := svc.Cleanup(ctx)
	require.NoError(t, err)

	// first destroy fails and opens the breaker, second is never attempted
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, failing.destroys, 1)

	s2, err := st.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 0, s2.DeletionRetryCount)
}

func TestAutoExpireReclaimsOrphans(t *testing.T) {
	svc, st, clk := newTestService(t, &fakeCsp{})
	ctx := context.Background()
	now := clk.Now().Unix()

	// 5h old: past the 4.5h horizon
	put(t, st, &model.Sandbox{
		SandboxID: "old", Status: model.StatusAllocated, AllocatedTo: "c1",
		AllocatedAt: now - 5*3600, LabDurationHours: 4,
	})
	// 1h old: inside the hold
	put(t, st, &model.Sandbox{
		SandboxID: "fresh", Status: model.StatusAllocated, AllocatedTo: "c2",
		AllocatedAt: now - 3600, LabDurationHours: 4,
	})

	res, err := svc.AutoExpire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	old, err := st.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingDeletion, old.Status)
	assert.Equal(t, now, old.DeletionRequestedAt)

	fresh, err := st.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllocated, fresh.Status)
}

func TestDeleteStaleHonorsGrace(t *testing.T) {
	svc, st, clk := newTestService(t, &fakeCsp{})
	ctx := context.Background()
	now := clk.Now().Unix()

	put(t, st, &model.Sandbox{SandboxID: "old", Status: model.StatusStale, UpdatedAt: now - 25*3600})
	put(t, st, &model.Sandbox{SandboxID: "fresh", Status: model.StatusStale, UpdatedAt: now - 3600})

	res, err := svc.DeleteStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = st.Get(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestStatsCountsByStatus(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeCsp{})

	put(t, st, &model.Sandbox{SandboxID: "a", Status: model.StatusAvailable})
	put(t, st, &model.Sandbox{SandboxID: "b", Status: model.StatusAvailable})
	put(t, st, &model.Sandbox{SandboxID: "c", Status: model.StatusAllocated})
	put(t, st, &model.Sandbox{SandboxID: "d", Status: model.StatusDeletionFailed})

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 4, Available: 2, Allocated: 1, DeletionFailed: 1}, stats)
}

func TestBulkDeleteByStatus(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeCsp{})
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		put(t, st, &model.Sandbox{SandboxID: fmt.Sprintf("stale-%03d", i), Status: model.StatusStale})
	}
	put(t, st, &model.Sandbox{SandboxID: "keep", Status: model.StatusAvailable})

	status := model.StatusStale
	res, err := svc.BulkDelete(ctx, &status)
	require.NoError(t, err)
	assert.Equal(t, 150, res.Deleted)

	_, err = st.Get(ctx, "keep")
	require.NoError(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeCsp{})
	ctx := context.Background()

	put(t, st, &model.Sandbox{SandboxID: "a", Status: model.StatusAvailable})
	put(t, st, &model.Sandbox{SandboxID: "b", Status: model.StatusAllocated})

	status := model.StatusAllocated
	page, next, err := svc.List(ctx, &status, 50, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].SandboxID)

	page, _, err = svc.List(ctx, nil, 50, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
