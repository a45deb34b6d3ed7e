package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/pkg/testutils"
	"csbx.dev/broker/store"
)

func seedPool(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()
	add := func(id string, status model.Status) {
		require.NoError(t, st.Put(ctx, &model.Sandbox{SandboxID: id, Status: status}))
	}
	add("a1", model.StatusAvailable)
	add("a2", model.StatusAvailable)
	add("b1", model.StatusAllocated)
	add("c1", model.StatusPendingDeletion)
	add("d1", model.StatusStale)
}

func TestRefreshPoolGauges(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := New(testutils.TestLogger(t), clk, time.Minute)
	st := store.NewMemory()
	seedPool(t, st)

	require.NoError(t, m.RefreshPoolGauges(context.Background(), st, false))

	assert.Equal(t, 5.0, testutil.ToFloat64(m.PoolTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolAvailable))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolAllocated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolPendingDeletion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolStale))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PoolDeletionFailed))
}

func TestRefreshPoolGaugesHonorsTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := New(testutils.TestLogger(t), clk, time.Minute)
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RefreshPoolGauges(ctx, st, false))
	seedPool(t, st)

	// inside the TTL the scan is skipped
	require.NoError(t, m.RefreshPoolGauges(ctx, st, false))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PoolTotal))

	// force bypasses the TTL
	require.NoError(t, m.RefreshPoolGauges(ctx, st, true))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PoolTotal))

	// after the TTL elapses the scan runs again
	require.NoError(t, st.Delete(ctx, "a1"))
	clk.Advance(2 * time.Minute)
	require.NoError(t, m.RefreshPoolGauges(ctx, st, false))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PoolTotal))
}
