package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Client-visible error codes. The JSON shape is stable:
// {"error":{"code","message","request_id","retry_after"?}}.
const (
	codeInvalidIdentity     = "INVALID_IDENTITY"
	codeValidation          = "VALIDATION_ERROR"
	codeUnauthorized        = "UNAUTHORIZED"
	codeForbidden           = "FORBIDDEN"
	codeForbiddenNotOwner   = "FORBIDDEN_NOT_OWNER"
	codeAllocationExpired   = "ALLOCATION_EXPIRED"
	codeNotFound            = "NOT_FOUND"
	codePoolExhausted       = "POOL_EXHAUSTED"
	codeClaimConflict       = "CLAIM_CONFLICT"
	codeRateLimited         = "RATE_LIMITED"
	codeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	codeInternal            = "INTERNAL"
)

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response failed", "error", err)
	}
}

// writeError emits the stable error shape. retryAfter seconds also set
// the Retry-After header when positive.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:       code,
		Message:    message,
		RequestID:  requestIDFrom(r),
		RetryAfter: retryAfter,
	}})
}
