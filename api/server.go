// Package api is the broker's HTTP surface: consumer claim/release/read
// endpoints, the admin plane, and the probe/scrape endpoints. Handler
// wrappers are explicit and ordered: security headers, then rate limit,
// then logging, then auth.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"csbx.dev/broker/admin"
	"csbx.dev/broker/allocator"
	"csbx.dev/broker/metrics"
	"csbx.dev/broker/pkg/clock"
	"csbx.dev/broker/ratelimit"
	"csbx.dev/broker/store"
)

type Config struct {
	Address        string
	APIPrefix      string
	APIToken       string
	AdminToken     string
	AllowedOrigins []string
	ShutdownGrace  time.Duration
	Version        string
}

type Server struct {
	log     *slog.Logger
	clock   clock.Clock
	engine  *allocator.Engine
	admin   *admin.Service
	store   store.Store
	met     *metrics.Metrics
	limiter *ratelimit.Limiter

	address        string
	apiPrefix      string
	apiToken       string
	adminToken     string
	allowedOrigins []string
	shutdownGrace  time.Duration
	version        string
}

func NewServer(
	log *slog.Logger,
	clk clock.Clock,
	engine *allocator.Engine,
	adminSvc *admin.Service,
	st store.Store,
	met *metrics.Metrics,
	limiter *ratelimit.Limiter,
	cfg Config,
) *Server {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/v1"
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 20 * time.Second
	}
	return &Server{
		log:            log.With("component", "api"),
		clock:          clk,
		engine:         engine,
		admin:          adminSvc,
		store:          st,
		met:            met,
		limiter:        limiter,
		address:        cfg.Address,
		apiPrefix:      cfg.APIPrefix,
		apiToken:       cfg.APIToken,
		adminToken:     cfg.AdminToken,
		allowedOrigins: cfg.AllowedOrigins,
		shutdownGrace:  cfg.ShutdownGrace,
		version:        cfg.Version,
	}
}

// Handler builds the full route table with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.apiPrefix

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST "+p+"/allocate", s.requireConsumer(s.handleAllocate))
	mux.HandleFunc("POST "+p+"/sandboxes/{id}/mark-for-deletion", s.requireConsumer(s.handleMarkForDeletion))
	mux.HandleFunc("GET "+p+"/sandboxes/{id}", s.requireConsumer(s.handleGetSandbox))

	mux.HandleFunc("GET "+p+"/admin/sandboxes", s.requireAdmin(s.handleAdminList))
	mux.HandleFunc("GET "+p+"/admin/stats", s.requireAdmin(s.handleAdminStats))
	mux.HandleFunc("POST "+p+"/admin/sync", s.requireAdmin(s.handleAdminSync))
	mux.HandleFunc("POST "+p+"/admin/cleanup", s.requireAdmin(s.handleAdminCleanup))
	mux.HandleFunc("POST "+p+"/admin/bulk-delete", s.requireAdmin(s.handleAdminBulkDelete))
	mux.HandleFunc("POST "+p+"/admin/auto-expire", s.requireAdmin(s.handleAdminAutoExpire))
	mux.HandleFunc("POST "+p+"/admin/auto-delete-stale", s.requireAdmin(s.handleAdminDeleteStale))

	// order matters: rate limiting must run before auth so bad tokens
	// still cost tokens, and after security headers so rejections
	// carry them
	var h http.Handler = mux
	h = s.logging(h)
	h = s.rateLimit(h)
	h = s.requestID(h)
	h = s.cors(h)
	h = s.securityHeaders(h)
	return h
}

// Run serves until ctx is cancelled, then drains in-flight requests
// within the shutdown grace. A drain timeout is returned as an error.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "address", s.address, "prefix", s.apiPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("draining connections", "grace", s.shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain timed out: %w", err)
	}
	return nil
}
