package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csbx.dev/broker/admin"
	"csbx.dev/broker/csp"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/pkg/testutils"
	"csbx.dev/broker/store"
)

func TestRunExecutesEveryLoopOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	log := testutils.TestLogger(t)
	st := store.NewMemory()
	ctx := context.Background()

	// one record per loop concern
	require.NoError(t, st.Put(ctx, &model.Sandbox{
		SandboxID: "pending", ExternalID: "ext-p", Status: model.StatusPendingDeletion,
	}))
	require.NoError(t, st.Put(ctx, &model.Sandbox{
		SandboxID: "orphan", Status: model.StatusAllocated, AllocatedTo: "c1",
		AllocatedAt: clk.Now().Unix() - 6*3600, LabDurationHours: 4,
	}))
	require.NoError(t, st.Put(ctx, &model.Sandbox{
		SandboxID: "stale", Status: model.StatusStale,
		UpdatedAt: clk.Now().Unix() - 48*3600,
	}))

	svc := admin.NewService(log, clk, st, csp.NewMock(log), metrics.New(log, clk, time.Minute), admin.Config{
		CleanupBatchSize:         10,
		CleanupBatchDelay:        time.Millisecond,
		DeletionRetryMaxAttempts: 3,
		LabDurationHours:         4,
		GracePeriodMinutes:       30,
		StaleGraceHours:          24,
	})

	w := New(log, svc, Config{
		SyncInterval:        time.Hour,
		CleanupInterval:     time.Hour,
		AutoExpiryInterval:  time.Hour,
		StaleDeleteInterval: time.Hour,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	// every loop runs once at startup; give them a moment
	require.Eventually(t, func() bool {
		if _, err := st.Get(ctx, "stale"); err == nil {
			return false
		}
		// auto-expiry reclaimed the orphan; cleanup may have already
		// destroyed it afterwards
		orphan, err := st.Get(ctx, "orphan")
		return err != nil || orphan.Status != model.StatusAllocated
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	// cleanup destroyed the pending record (mock upstream 404s unknown
	// ids, which counts as success)
	_, err := st.Get(ctx, "pending")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// sync created records for the mock fixtures
	page, _, err := st.QueryByStatus(ctx, model.StatusAvailable, 100, "")
	require.NoError(t, err)
	assert.NotEmpty(t, page)
}
