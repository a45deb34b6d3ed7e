package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csbx.dev/broker/admin"
	"csbx.dev/broker/allocator"
	"csbx.dev/broker/csp"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/pkg/testutils"
	"csbx.dev/broker/ratelimit"
	"csbx.dev/broker/store"
)

const (
	testAPIToken   = "consumer-token"
	testAdminToken = "admin-token"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	clock *clock.Fake
}

func newFixture(t *testing.T, burst int) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	log := testutils.TestLogger(t)
	st := store.NewMemory()
	met := metrics.New(log, clk, time.Minute)

	engine := allocator.NewEngine(log, clk, st, met, allocator.Config{
		KCandidates:        15,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		LabDurationHours:   4,
		GracePeriodMinutes: 30,
	})
	adminSvc := admin.NewService(log, clk, st, csp.NewMock(log), met, admin.Config{
		CleanupBatchSize:         10,
		CleanupBatchDelay:        time.Millisecond,
		DeletionRetryMaxAttempts: 3,
		LabDurationHours:         4,
		GracePeriodMinutes:       30,
		StaleGraceHours:          24,
	})
	limiter := ratelimit.New(log, clk, ratelimit.Config{
		RequestsPerSecond: 0.001,
		Burst:             burst,
	})

	server := NewServer(log, clk, engine, adminSvc, st, met, limiter, Config{
		Address:        ":0",
		APIPrefix:      "/v1",
		APIToken:       testAPIToken,
		AdminToken:     testAdminToken,
		AllowedOrigins: []string{"*"},
		Version:        "test",
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, clock: clk}
}

func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.Put(context.Background(), &model.Sandbox{
			SandboxID:        fmt.Sprintf("sbx-%03d", i),
			Name:             fmt.Sprintf("pool-%03d", i),
			ExternalID:       fmt.Sprintf("ext-%03d", i),
			Status:           model.StatusAvailable,
			LabDurationHours: model.DefaultLabDurationHours,
		}))
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		body = nil
	}
	return resp, body
}

func consumerHeaders(id string) map[string]string {
	return map[string]string{"X-Instruqt-Sandbox-ID": id}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAllocateLifecycle(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 3)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sandboxID := body["sandbox_id"].(string)
	assert.NotEmpty(t, sandboxID)
	assert.NotEmpty(t, body["external_id"])
	assert.Equal(t, float64(f.clock.Now().Unix()+4*3600), body["expires_at"])

	// headers on every response
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))

	// idempotent replay returns the same hold with 200
	resp, body = f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sandboxID, body["sandbox_id"])

	// read it back
	resp, body = f.do(t, "GET", "/v1/sandboxes/"+sandboxID, testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "allocated", body["status"])

	// release
	resp, body = f.do(t, "POST", "/v1/sandboxes/"+sandboxID+"/mark-for-deletion", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending_deletion", body["status"])
	assert.Equal(t, float64(f.clock.Now().Unix()), body["deletion_requested_at"])
}

func TestAllocateRequiresIdentity(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_IDENTITY", errorCode(body))
}

func TestAllocateRequiresToken(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, body := f.do(t, "POST", "/v1/allocate", "", consumerHeaders("student-1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	resp, body = f.do(t, "POST", "/v1/allocate", "wrong", consumerHeaders("student-1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))
}

func TestAllocatePoolExhausted(t *testing.T) {
	f := newFixture(t, 100)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "POOL_EXHAUSTED", errorCode(body))
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestAllocateLegacyTrackHeader(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, _ := f.do(t, "POST", "/v1/allocate", testAPIToken, map[string]string{"X-Track-ID": "legacy-1"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAllocateStoresTrackName(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	headers := consumerHeaders("student-1")
	headers["X-Instruqt-Track-ID"] = "aws-security-101"
	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "aws-security-101", body["track_name"])
}

func TestMarkForDeletionOwnership(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["sandbox_id"].(string)

	resp, body = f.do(t, "POST", "/v1/sandboxes/"+id+"/mark-for-deletion", testAPIToken, consumerHeaders("intruder"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN_NOT_OWNER", errorCode(body))

	resp, body = f.do(t, "POST", "/v1/sandboxes/unknown/mark-for-deletion", testAPIToken, consumerHeaders("student-1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestMarkForDeletionExpired(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["sandbox_id"].(string)

	f.clock.Advance(5 * time.Hour)
	resp, body = f.do(t, "POST", "/v1/sandboxes/"+id+"/mark-for-deletion", testAPIToken, consumerHeaders("student-1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ALLOCATION_EXPIRED", errorCode(body))
}

func TestGetSandboxDeniesNonOwner(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 1)

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("student-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["sandbox_id"].(string)

	resp, body = f.do(t, "GET", "/v1/sandboxes/"+id, testAPIToken, consumerHeaders("other"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN_NOT_OWNER", errorCode(body))
}

func TestRateLimitExhaustion(t *testing.T) {
	f := newFixture(t, 3)
	f.seed(t, 1)

	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("greedy"))
		require.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode, "request %d", i)
	}

	resp, body := f.do(t, "POST", "/v1/allocate", testAPIToken, consumerHeaders("greedy"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	// probes bypass the limiter
	for i := 0; i < 5; i++ {
		resp, _ := f.do(t, "GET", "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestAdminRequiresAdminToken(t *testing.T) {
	f := newFixture(t, 100)

	resp, body := f.do(t, "GET", "/v1/admin/stats", testAPIToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	resp, _ = f.do(t, "GET", "/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminStatsAndList(t *testing.T) {
	f := newFixture(t, 100)
	f.seed(t, 3)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, &model.Sandbox{
		SandboxID: "held", Status: model.StatusAllocated, AllocatedTo: "c1", AllocatedAt: 10,
	}))

	resp, body := f.do(t, "GET", "/v1/admin/stats", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["total"])
	assert.Equal(t, float64(3), body["available"])
	assert.Equal(t, float64(1), body["allocated"])

	resp, body = f.do(t, "GET", "/v1/admin/sandboxes?status=allocated", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = f.do(t, "GET", "/v1/admin/sandboxes?status=bogus", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestAdminSyncAndCleanup(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, &model.Sandbox{
		SandboxID: "doomed", ExternalID: "ext-doomed", Status: model.StatusPendingDeletion,
	}))

	// mock upstream has five fixture accounts
	resp, body := f.do(t, "POST", "/v1/admin/sync", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["synced"])

	resp, body = f.do(t, "POST", "/v1/admin/cleanup", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])

	_, err := f.store.Get(ctx, "doomed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminAutoExpireAndDeleteStale(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	now := f.clock.Now().Unix()

	require.NoError(t, f.store.Put(ctx, &model.Sandbox{
		SandboxID: "orphan", Status: model.StatusAllocated, AllocatedTo: "gone",
		AllocatedAt: now - 6*3600, LabDurationHours: 4,
	}))
	require.NoError(t, f.store.Put(ctx, &model.Sandbox{
		SandboxID: "old-stale", Status: model.StatusStale, UpdatedAt: now - 48*3600,
	}))

	resp, body := f.do(t, "POST", "/v1/admin/auto-expire", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["marked"])

	resp, body = f.do(t, "POST", "/v1/admin/auto-delete-stale?grace_period_hours=24", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])
}

func TestAdminBulkDelete(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, &model.Sandbox{SandboxID: "s1", Status: model.StatusStale}))
	require.NoError(t, f.store.Put(ctx, &model.Sandbox{SandboxID: "s2", Status: model.StatusAvailable}))

	resp, body := f.do(t, "POST", "/v1/admin/bulk-delete?status=stale", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])

	_, err := f.store.Get(ctx, "s2")
	require.NoError(t, err)
}

func TestProbesAndRoot(t *testing.T) {
	f := newFixture(t, 100)

	resp, body := f.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = f.do(t, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	resp, body = f.do(t, "GET", "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sandbox-broker", body["service"])

	req, err := http.NewRequest("GET", f.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	metricsResp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestCorsPreflight(t *testing.T) {
	f := newFixture(t, 100)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/allocate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://lab.example")

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Instruqt-Sandbox-ID")
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Retry-After")
}
