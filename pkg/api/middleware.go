package api

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/villagelabs/links/pkg/policy"
)

var villageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidVillageID reports whether id is safe to use as a path segment and
// directory name.
func ValidVillageID(id string) bool {
	return villageIDPattern.MatchString(id)
}

// clientKey identifies the caller for rate limiting. Host portion of the
// remote address; the raw address when it carries no port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// rateLimit gates village-scoped routes on the per-village minute bucket.
// The limit comes from the village policy; a village that fails to load
// falls back to the default so local deployments keep working. Paths
// outside /villages/ pass through untouched.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasPrefix(path, "/villages/") {
			next.ServeHTTP(w, r)
			return
		}
		parts := strings.Split(path, "/")
		if len(parts) < 3 {
			next.ServeHTTP(w, r)
			return
		}
		villageID := parts[2]
		if !ValidVillageID(villageID) {
			WriteBadRequest(w, "invalid village_id")
			return
		}

		limit := policy.DefaultRateLimitPerMin
		if v, err := s.villages.Load(villageID); err == nil {
			limit = v.Policy.RateLimitPerMin()
		}

		ok, err := s.limiter.Allow(r.Context(), villageID, clientKey(r), limit)
		if err != nil {
			WriteInternal(w, s.logger, err)
			return
		}
		if !ok {
			WriteTooManyRequests(w, 60)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one structured log line per request with the final
// status and elapsed time.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
