package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"csbx.dev/broker/allocator"
	"csbx.dev/broker/breaker"
	"csbx.dev/broker/store"
)

type allocateResponse struct {
	SandboxID   string `json:"sandbox_id"`
	Name        string `json:"name"`
	ExternalID  string `json:"external_id"`
	AllocatedAt int64  `json:"allocated_at"`
	ExpiresAt   int64  `json:"expires_at"`
	TrackName   string `json:"track_name,omitempty"`
}

// handleAllocate claims one sandbox for the caller. A fresh claim is a
// 201; an idempotent replay of an active hold is a 200.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	consumer := consumerIdentity(r)
	if consumer == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidIdentity,
			"either X-Instruqt-Sandbox-ID or X-Track-ID header is required", 0)
		return
	}

	sb, held, err := s.engine.Claim(r.Context(), allocator.ClaimRequest{
		Consumer:       consumer,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		TrackName:      strings.TrimSpace(r.Header.Get("X-Instruqt-Track-ID")),
		NamePrefix:     strings.TrimSpace(r.Header.Get("X-Sandbox-Name-Prefix")),
	})
	if err != nil {
		s.writeClaimError(w, r, err)
		return
	}

	status := http.StatusCreated
	if held {
		status = http.StatusOK
	}
	writeJSON(w, status, allocateResponse{
		SandboxID:   sb.SandboxID,
		Name:        sb.Name,
		ExternalID:  sb.ExternalID,
		AllocatedAt: sb.AllocatedAt,
		ExpiresAt:   sb.ExpiresAt(),
		TrackName:   sb.TrackName,
	})
}

func (s *Server) writeClaimError(w http.ResponseWriter, r *http.Request, err error) {
	var open *breaker.OpenError
	switch {
	case errors.Is(err, allocator.ErrPoolExhausted):
		writeError(w, r, http.StatusConflict, codePoolExhausted,
			"no sandboxes available in pool", 30)
	case errors.Is(err, allocator.ErrAllConflicted):
		writeError(w, r, http.StatusConflict, codeClaimConflict,
			"all candidates conflicted, retry", 0)
	case errors.As(err, &open):
		writeError(w, r, http.StatusServiceUnavailable, codeUpstreamUnavailable,
			"upstream unavailable", int(open.RetryAfter.Seconds())+1)
	case store.IsTransient(err):
		writeError(w, r, http.StatusServiceUnavailable, codeUpstreamUnavailable,
			"store temporarily unavailable", 5)
	default:
		s.log.Error("allocate failed", "request_id", requestIDFrom(r), "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal,
			"an unexpected error occurred", 0)
	}
}

type markForDeletionResponse struct {
	SandboxID           string `json:"sandbox_id"`
	Status              string `json:"status"`
	DeletionRequestedAt int64  `json:"deletion_requested_at"`
}

func (s *Server) handleMarkForDeletion(w http.ResponseWriter, r *http.Request) {
	consumer := consumerIdentity(r)
	if consumer == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidIdentity,
			"either X-Instruqt-Sandbox-ID or X-Track-ID header is required", 0)
		return
	}
	sandboxID := r.PathValue("id")

	sb, err := s.engine.Release(r.Context(), sandboxID, consumer)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, markForDeletionResponse{
			SandboxID:           sb.SandboxID,
			Status:              string(sb.Status),
			DeletionRequestedAt: sb.DeletionRequestedAt,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "sandbox not found", 0)
	case errors.Is(err, store.ErrExpired):
		writeError(w, r, http.StatusForbidden, codeAllocationExpired,
			"allocation expired", 0)
	case errors.Is(err, store.ErrNotOwner):
		writeError(w, r, http.StatusForbidden, codeForbiddenNotOwner,
			"sandbox not owned by caller", 0)
	case store.IsTransient(err):
		writeError(w, r, http.StatusServiceUnavailable, codeUpstreamUnavailable,
			"store temporarily unavailable", 5)
	default:
		s.log.Error("mark-for-deletion failed",
			"request_id", requestIDFrom(r), "sandbox_id", sandboxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal,
			"an unexpected error occurred", 0)
	}
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	consumer := consumerIdentity(r)
	if consumer == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidIdentity,
			"either X-Instruqt-Sandbox-ID or X-Track-ID header is required", 0)
		return
	}
	sandboxID := r.PathValue("id")

	sb, err := s.engine.Describe(r.Context(), sandboxID, consumer)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sb)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "sandbox not found", 0)
	case errors.Is(err, store.ErrNotOwner):
		writeError(w, r, http.StatusForbidden, codeForbiddenNotOwner,
			"sandbox not owned by caller", 0)
	default:
		s.log.Error("get sandbox failed",
			"request_id", requestIDFrom(r), "sandbox_id", sandboxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal,
			"an unexpected error occurred", 0)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "sandbox-broker",
		"version": s.version,
		"status":  "ok",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clock.Now().Unix(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if err := s.met.RefreshPoolGauges(r.Context(), s.store, false); err != nil {
		s.log.Warn("pool gauge refresh failed", "error", err)
	}
	s.met.Handler().ServeHTTP(w, r)
}
