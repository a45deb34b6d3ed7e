// Package worker runs the four reconciliation loops in one process:
// upstream sync, deletion cleanup, auto-expiry and stale purge. Each
// loop is an independent task; a shared context stops them all and the
// worker returns once every loop has finished its current iteration.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"csbx.dev/broker/admin"
)

type Config struct {
	SyncInterval        time.Duration
	CleanupInterval     time.Duration
	AutoExpiryInterval  time.Duration
	StaleDeleteInterval time.Duration
}

type Worker struct {
	svc *admin.Service
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, svc *admin.Service, cfg Config) *Worker {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 600 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 300 * time.Second
	}
	if cfg.AutoExpiryInterval <= 0 {
		cfg.AutoExpiryInterval = 300 * time.Second
	}
	if cfg.StaleDeleteInterval <= 0 {
		cfg.StaleDeleteInterval = 86400 * time.Second
	}
	return &Worker{
		svc: svc,
		log: log.With("component", "worker"),
		cfg: cfg,
	}
}

// Run blocks until ctx is cancelled and all loops have drained.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting",
		"sync_interval", w.cfg.SyncInterval,
		"cleanup_interval", w.cfg.CleanupInterval,
		"auto_expiry_interval", w.cfg.AutoExpiryInterval,
		"stale_delete_interval", w.cfg.StaleDeleteInterval)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.loop(ctx, "sync", w.cfg.SyncInterval, func(ctx context.Context) error {
			_, err := w.svc.Sync(ctx)
			return err
		})
	})
	g.Go(func() error {
		return w.loop(ctx, "cleanup", w.cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := w.svc.Cleanup(ctx)
			return err
		})
	})
	g.Go(func() error {
		return w.loop(ctx, "auto_expiry", w.cfg.AutoExpiryInterval, func(ctx context.Context) error {
			_, err := w.svc.AutoExpire(ctx)
			return err
		})
	})
	g.Go(func() error {
		return w.loop(ctx, "stale_delete", w.cfg.StaleDeleteInterval, func(ctx context.Context) error {
			_, err := w.svc.DeleteStale(ctx, 0)
			return err
		})
	})

	err := g.Wait()
	w.log.Info("worker stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// loop runs fn immediately and then on every tick. Iteration failures
// are logged, never fatal; the loop only exits on ctx cancellation.
func (w *Worker) loop(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) error {
	log := w.log.With("loop", name)

	run := func() {
		start := time.Now()
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("iteration failed", "error", err, "elapsed", time.Since(start))
			return
		}
		log.Debug("iteration complete", "elapsed", time.Since(start))
	}

	run()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("loop exiting")
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
