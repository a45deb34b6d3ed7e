package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/pkg/testutils"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	b := New(testutils.TestLogger(t), clk, Config{
		Name:             "csp",
		FailureThreshold: 3,
		OpenDuration:     60 * time.Second,
	})
	return b, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, Open, b.State())

	var open *OpenError
	err := b.Do(func() error {
		t.Fatal("upstream must not be called while open")
		return nil
	})
	require.ErrorAs(t, err, &open)
	assert.Greater(t, open.RetryAfter, time.Duration(0))
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return boom })
	}
	clk.Advance(61 * time.Second)

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, Closed, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return boom })
	}
	clk.Advance(61 * time.Second)

	err := b.Do(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Open, b.State())

	// timer restarts from the failed probe
	var open *OpenError
	err = b.Do(func() error { return nil })
	require.ErrorAs(t, err, &open)
}

func TestBreakerSingleProbeInHalfOpen(t *testing.T) {
	b, clk := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return boom })
	}
	clk.Advance(61 * time.Second)

	require.NoError(t, b.Allow())

	// second caller is rejected while the probe is in flight
	var open *OpenError
	require.ErrorAs(t, b.Allow(), &open)

	b.Success()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	boom := errors.New("boom")

	_ = b.Do(func() error { return boom })
	_ = b.Do(func() error { return boom })
	require.NoError(t, b.Do(func() error { return nil }))

	_ = b.Do(func() error { return boom })
	_ = b.Do(func() error { return boom })
	assert.Equal(t, Closed, b.State())
}
