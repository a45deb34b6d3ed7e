// Package commands implements the broker's CLI subcommands: the API
// server, the background worker, both combined, table bootstrap, and
// version.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"csbx.dev/broker/admin"
	"csbx.dev/broker/allocator"
	"csbx.dev/broker/api"
	"csbx.dev/broker/breaker"
	"csbx.dev/broker/config"
	"csbx.dev/broker/csp"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/ratelimit"
	"csbx.dev/broker/store"
	"csbx.dev/broker/version"
	"csbx.dev/broker/worker"
)

const poolGaugeTTL = 60 * time.Second

// runtime is the shared wiring both the API and worker processes build
// from a loaded Config.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	clock   clock.Clock
	store   store.Store
	met     *metrics.Metrics
	engine  *allocator.Engine
	admin   *admin.Service
	limiter *ratelimit.Limiter
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildRuntime loads configuration and wires every component the
// subcommands share. memoryStore swaps DynamoDB for the in-process
// store, for local development only.
func buildRuntime(ctx context.Context, configPath string, memoryStore bool) (*runtime, error) {
	bootLog := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	log := newLogger(cfg.Log)
	clk := clock.Real{}

	var st store.Store
	if memoryStore {
		log.Warn("using in-memory store, state is lost on restart")
		st = store.NewMemory()
	} else {
		dyn, err := store.NewDynamo(ctx, log, store.DynamoConfig{
			TableName:   cfg.Store.TableName,
			StatusIndex: cfg.Store.StatusIndex,
			OwnerIndex:  cfg.Store.OwnerIndex,
			IdemIndex:   cfg.Store.IdemIndex,
			Region:      cfg.Store.Region,
			EndpointURL: cfg.Store.EndpointURL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		st = dyn
	}

	met := metrics.New(log, clk, poolGaugeTTL)

	brk := breaker.New(log, clk, breaker.Config{
		Name:             "csp",
		FailureThreshold: cfg.Breaker.Threshold,
		OpenDuration:     time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
	})
	upstream := csp.Guard(csp.New(log, csp.Config{
		BaseURL:        cfg.Csp.BaseURL,
		Token:          cfg.Csp.APIToken,
		ConnectTimeout: time.Duration(cfg.Csp.TimeoutConnectSec) * time.Second,
		ReadTimeout:    time.Duration(cfg.Csp.TimeoutReadSec) * time.Second,
	}), brk)

	engine := allocator.NewEngine(log, clk, st, met, allocator.Config{
		KCandidates:        cfg.Pool.KCandidates,
		BackoffBase:        time.Duration(cfg.Pool.BackoffBaseMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Pool.BackoffMaxMs) * time.Millisecond,
		LabDurationHours:   cfg.Pool.LabDurationHours,
		GracePeriodMinutes: cfg.Pool.GracePeriodMinutes,
	})

	adminSvc := admin.NewService(log, clk, st, upstream, met, admin.Config{
		CleanupBatchSize:         cfg.Worker.CleanupBatchSize,
		CleanupBatchDelay:        time.Duration(cfg.Worker.CleanupBatchDelaySec) * time.Second,
		DeletionRetryMaxAttempts: cfg.Pool.DeletionRetryMaxAttempts,
		LabDurationHours:         cfg.Pool.LabDurationHours,
		GracePeriodMinutes:       cfg.Pool.GracePeriodMinutes,
		StaleGraceHours:          cfg.Worker.StaleGraceHours,
	})

	limiter := ratelimit.New(log, clk, ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	return &runtime{
		cfg:     cfg,
		log:     log,
		clock:   clk,
		store:   st,
		met:     met,
		engine:  engine,
		admin:   adminSvc,
		limiter: limiter,
	}, nil
}

func (rt *runtime) apiServer() *api.Server {
	return api.NewServer(rt.log, rt.clock, rt.engine, rt.admin, rt.store, rt.met, rt.limiter, api.Config{
		Address:        rt.cfg.Listen.Address,
		APIPrefix:      rt.cfg.Listen.APIPrefix,
		APIToken:       rt.cfg.Auth.APIToken,
		AdminToken:     rt.cfg.Auth.AdminToken,
		AllowedOrigins: rt.cfg.Cors.AllowedOrigins,
		ShutdownGrace:  time.Duration(rt.cfg.Listen.ShutdownGraceSec) * time.Second,
		Version:        version.Version,
	})
}

func (rt *runtime) worker() *worker.Worker {
	return worker.New(rt.log, rt.admin, worker.Config{
		SyncInterval:        time.Duration(rt.cfg.Worker.SyncIntervalSec) * time.Second,
		CleanupInterval:     time.Duration(rt.cfg.Worker.CleanupIntervalSec) * time.Second,
		AutoExpiryInterval:  time.Duration(rt.cfg.Worker.AutoExpiryIntervalSec) * time.Second,
		StaleDeleteInterval: time.Duration(rt.cfg.Worker.StaleDeleteIntervalSec) * time.Second,
	})
}
