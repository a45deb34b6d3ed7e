package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// clientIdentity derives the caller identity used for authorization and
// rate limiting: sandbox header, then legacy track header, then the
// first forwarded-for hop, then the peer address.
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Instruqt-Sandbox-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get("X-Track-ID")); id != "" {
		return id
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// consumerIdentity is the header-only identity required by the consumer
// endpoints; it never falls back to the peer address.
func consumerIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Instruqt-Sandbox-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Track-ID"))
}

// probePath reports whether the path is an orchestrator or scrape
// endpoint that must never be rate limited.
func probePath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := map[string]bool{}
	wildcard := false
	for _, o := range s.allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			h := w.Header()
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Instruqt-Sandbox-ID, X-Track-ID, X-Instruqt-Track-ID, X-Sandbox-Name-Prefix, Idempotency-Key")
			h.Set("Access-Control-Expose-Headers",
				"X-Request-ID, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// rateLimit runs before auth so invalid tokens still cost tokens, and
// after the security headers so rejections carry them.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		d := s.limiter.Check(clientIdentity(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(d.Reset))

		if !d.Allowed {
			writeError(w, r, http.StatusTooManyRequests, codeRateLimited,
				"rate limit exceeded", int(d.RetryAfter.Seconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		latency := time.Since(start)
		outcome := "success"
		if rec.status >= 400 {
			outcome = "failure"
		}

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		s.met.RequestLatency.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).
			Observe(latency.Seconds())

		attrs := []any{
			"request_id", requestIDFrom(r),
			"action", r.Method + " " + r.URL.Path,
			"outcome", outcome,
			"status", rec.status,
			"latency_ms", latency.Milliseconds(),
		}
		if id := consumerIdentity(r); id != "" {
			attrs = append(attrs, "client_identity", id)
		}
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "request", toAttrs(attrs)...)
	})
}

func toAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, slog.Any(kv[i].(string), kv[i+1]))
	}
	return attrs
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// requireConsumer guards the claim/release/read endpoints.
func (s *Server) requireConsumer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized,
				"invalid authorization header format", 0)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized,
				"invalid bearer token", 0)
			return
		}
		next(w, r)
	}
}

// requireAdmin guards everything under /admin. A well-formed but wrong
// token is a 403, matching the operator-facing contract.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized,
				"invalid authorization header format", 0)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, r, http.StatusForbidden, codeForbidden,
				"admin access required", 0)
			return
		}
		next(w, r)
	}
}
