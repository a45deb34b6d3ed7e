// Package metrics holds the broker's Prometheus collectors on a private
// registry so nothing from other libraries leaks into the scrape.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"csbx.dev/broker/model"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/store"
)

type Metrics struct {
	registry *prometheus.Registry

	AllocateTotal          *prometheus.CounterVec
	AllocateIdempotentHits prometheus.Counter
	AllocateConflicts      prometheus.Counter
	DeletionMarkedTotal    *prometheus.CounterVec
	SyncTotal              *prometheus.CounterVec
	SyncSandboxesSynced    prometheus.Counter
	SyncSandboxesStale     prometheus.Counter
	CleanupTotal           *prometheus.CounterVec
	CleanupDeleted         prometheus.Counter
	CleanupFailed          prometheus.Counter
	ExpiryTotal            *prometheus.CounterVec
	ExpiryOrphaned         prometheus.Counter

	PoolAvailable       prometheus.Gauge
	PoolAllocated       prometheus.Gauge
	PoolPendingDeletion prometheus.Gauge
	PoolStale           prometheus.Gauge
	PoolDeletionFailed  prometheus.Gauge
	PoolTotal           prometheus.Gauge

	RequestLatency    *prometheus.HistogramVec
	AllocationLatency *prometheus.HistogramVec
	SyncDuration      prometheus.Histogram
	CleanupDuration   prometheus.Histogram

	log   *slog.Logger
	clock clock.Clock

	// pool gauge refreshes are expensive (full scan), so they run at
	// most once per TTL and concurrent callers share the result
	gaugeMu     sync.Mutex
	gaugeTTL    time.Duration
	lastRefresh time.Time
}

func New(log *slog.Logger, clk clock.Clock, gaugeTTL time.Duration) *Metrics {
	if gaugeTTL <= 0 {
		gaugeTTL = 60 * time.Second
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		log:      log.With("component", "metrics"),
		clock:    clk,
		gaugeTTL: gaugeTTL,

		AllocateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_allocate_total",
			Help: "Total number of sandbox allocation requests",
		}, []string{"outcome"}),
		AllocateIdempotentHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_allocate_idempotent_hits_total",
			Help: "Total number of idempotent allocation requests (returned existing)",
		}),
		AllocateConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_allocate_conflicts_total",
			Help: "Total number of allocation conflicts (conditional write failed)",
		}),
		DeletionMarkedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_deletion_marked_total",
			Help: "Total number of sandboxes marked for deletion",
		}, []string{"outcome"}),
		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_sync_total",
			Help: "Total number of upstream sync runs",
		}, []string{"outcome"}),
		SyncSandboxesSynced: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_sync_sandboxes_synced_total",
			Help: "Total number of sandboxes synced from the upstream",
		}),
		SyncSandboxesStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_sync_sandboxes_stale_total",
			Help: "Total number of sandboxes marked as stale",
		}),
		CleanupTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_cleanup_total",
			Help: "Total number of cleanup job runs",
		}, []string{"outcome"}),
		CleanupDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_cleanup_deleted_total",
			Help: "Total number of sandboxes successfully deleted",
		}),
		CleanupFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_cleanup_failed_total",
			Help: "Total number of sandbox deletions that failed",
		}),
		ExpiryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_expiry_total",
			Help: "Total number of auto-expiry job runs",
		}, []string{"outcome"}),
		ExpiryOrphaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_expiry_orphaned_total",
			Help: "Total number of orphaned allocations auto-expired",
		}),

		PoolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_available",
			Help: "Number of sandboxes currently available for allocation",
		}),
		PoolAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_allocated",
			Help: "Number of sandboxes currently allocated",
		}),
		PoolPendingDeletion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_pending_deletion",
			Help: "Number of sandboxes pending deletion",
		}),
		PoolStale: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_stale",
			Help: "Number of stale sandboxes no longer present upstream",
		}),
		PoolDeletionFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_deletion_failed",
			Help: "Number of sandboxes where deletion failed",
		}),
		PoolTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pool_total",
			Help: "Total number of sandboxes in the pool",
		}),

		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_request_latency_seconds",
			Help:    "Request latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0},
		}, []string{"method", "endpoint", "status"}),
		AllocationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_allocation_latency_seconds",
			Help:    "Sandbox allocation latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.3, 0.5, 1.0},
		}, []string{"outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_sync_duration_seconds",
			Help:    "Upstream sync job duration in seconds",
			Buckets: []float64{1.0, 2.5, 5.0, 10.0, 15.0, 30.0, 60.0},
		}),
		CleanupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_cleanup_duration_seconds",
			Help:    "Cleanup job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
	}
	return m
}

// Handler serves the scrape endpoint from the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RefreshPoolGauges recomputes the pool gauges from a full Store scan.
// Refreshes more frequent than the TTL are skipped unless forced.
func (m *Metrics) RefreshPoolGauges(ctx context.Context, st store.Store, force bool) error {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()

	now := m.clock.Now()
	if !force && now.Sub(m.lastRefresh) < m.gaugeTTL {
		return nil
	}

	counts := map[model.Status]int{}
	total := 0
	cursor := ""
	for {
		page, next, err := st.Scan(ctx, 500, cursor)
		if err != nil {
			return err
		}
		for _, sb := range page {
			total++
			counts[sb.Status]++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	m.PoolTotal.Set(float64(total))
	m.PoolAvailable.Set(float64(counts[model.StatusAvailable]))
	m.PoolAllocated.Set(float64(counts[model.StatusAllocated]))
	m.PoolPendingDeletion.Set(float64(counts[model.StatusPendingDeletion]))
	m.PoolStale.Set(float64(counts[model.StatusStale]))
	m.PoolDeletionFailed.Set(float64(counts[model.StatusDeletionFailed]))

	m.lastRefresh = now
	return nil
}
