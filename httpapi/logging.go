package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"pkt.systems/pslog"
)

type sessionLookupFunc func(*http.Request) (email string, sessionID string)

func withRequestLogging(lookup sessionLookupFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			var email, sessionID string
			if lookup != nil {
				email, sessionID = lookup(r)
			}
			rec := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rec, r)
			status := rec.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = path + "?" + r.URL.RawQuery
			}
			logger := pslog.Ctx(r.Context()).With("remote", clientIP(r))
			if email != "" {
				logger = logger.With("user", email)
			}
			if sessionID != "" {
				logger = logger.With("http_session", sessionID)
			}
			if id := r.Header.Get("X-Request-ID"); id != "" {
				logger = logger.With("request_id", id)
			}
			if id := r.Header.Get("X-Device-ID"); id != "" {
				logger = logger.With("device_id", id)
			}
			logger.Info("http request", "method", r.Method, "path", path, "status", status, "bytes", rec.BytesWritten(), "duration_ms", time.Since(start).Milliseconds())
			logger.Debug("http request details", "ua", r.UserAgent())
		})
	}
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return r.RemoteAddr
}
