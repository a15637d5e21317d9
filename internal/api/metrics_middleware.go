package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/observability"
)

// MetricsMiddleware creates a middleware that records HTTP request metrics
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			metrics.IncHTTPRequestsInFlight()
			defer metrics.DecHTTPRequestsInFlight()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := normalizePath(r)
			metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(ww.Status()))
			metrics.RecordHTTPRequestDuration(r.Method, path, time.Since(start).Seconds())
		})
	}
}

// normalizePath keeps label cardinality bounded: the chi route pattern when
// one matched, otherwise the raw path with ids replaced
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, segment := range segments {
		if _, err := uuid.Parse(segment); err == nil && len(segment) == 36 {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
