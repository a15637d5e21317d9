package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/observability"
)

func newDisabledTracer(t *testing.T) *observability.Tracer {
	t.Helper()
	tracer, err := observability.NewTracer(context.Background(), observability.TracingConfig{
		Enabled:     false,
		ServiceName: "test-service",
	})
	require.NoError(t, err)
	return tracer
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {
	wrapped := TracingMiddleware(newDisabledTracer(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Trace-ID"))
}

func TestTracingMiddlewareWithChiRouter(t *testing.T) {
	r := chi.NewRouter()
	r.Use(TracingMiddleware(newDisabledTracer(t)))
	r.Get("/api/v1/deployments/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deployments/123/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTracingResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapper := &tracingResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	wrapper.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, wrapper.statusCode)

	n, err := wrapper.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, wrapper.bytesWritten)

	wrapper.Flush()
}

func TestGetScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "http", getScheme(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https", getScheme(req))
}

func TestNormalizePath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/9b2f3c1e-4d5a-4b6c-8d7e-0f1a2b3c4d5e", nil)
	assert.Equal(t, "/api/v1/tasks/{id}", normalizePath(req))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Equal(t, "/health", normalizePath(req))
}
