package api

import (
	"errors"
	"net/http"
	"strconv"

	"csbx.dev/broker/breaker"
	"csbx.dev/broker/model"
)

type listResponse struct {
	Items      []any  `json:"items"`
	Count      int    `json:"count"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *model.Status
	if raw := q.Get("status"); raw != "" {
		st := model.Status(raw)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, codeValidation,
				"unknown status "+raw, 0)
			return
		}
		status = &st
	}

	limit := int64(50)
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, codeValidation,
				"limit must be between 1 and 500", 0)
			return
		}
		limit = n
	}

	page, next, err := s.admin.List(r.Context(), status, int32(limit), q.Get("cursor"))
	if err != nil {
		s.writeAdminError(w, r, "list", err)
		return
	}

	items := make([]any, 0, len(page))
	for _, sb := range page {
		items = append(items, sb)
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items), NextCursor: next})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats(r.Context())
	if err != nil {
		s.writeAdminError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.admin.Sync(r.Context())
	if err != nil {
		s.writeAdminError(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.admin.Cleanup(r.Context())
	if err != nil {
		s.writeAdminError(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminBulkDelete(w http.ResponseWriter, r *http.Request) {
	var status *model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.Status(raw)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, codeValidation,
				"unknown status "+raw, 0)
			return
		}
		status = &st
	}

	res, err := s.admin.BulkDelete(r.Context(), status)
	if err != nil {
		s.writeAdminError(w, r, "bulk-delete", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminAutoExpire(w http.ResponseWriter, r *http.Request) {
	res, err := s.admin.AutoExpire(r.Context())
	if err != nil {
		s.writeAdminError(w, r, "auto-expire", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": res.Expired})
}

func (s *Server) handleAdminDeleteStale(w http.ResponseWriter, r *http.Request) {
	grace := 0
	if raw := r.URL.Query().Get("grace_period_hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, codeValidation,
				"grace_period_hours must be a non-negative integer", 0)
			return
		}
		grace = n
	}

	res, err := s.admin.DeleteStale(r.Context(), grace)
	if err != nil {
		s.writeAdminError(w, r, "auto-delete-stale", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": res.Deleted})
}

func (s *Server) writeAdminError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		writeError(w, r, http.StatusServiceUnavailable, codeUpstreamUnavailable,
			"upstream unavailable", int(open.RetryAfter.Seconds())+1)
		return
	}
	s.log.Error("admin action failed",
		"request_id", requestIDFrom(r), "action", action, "error", err)
	writeError(w, r, http.StatusServiceUnavailable, codeUpstreamUnavailable,
		"operation failed, retry later", 5)
}
