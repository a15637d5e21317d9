package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serveFrom(h http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/agent/register", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("blocks requests exceeding the burst", func(t *testing.T) {
		wrapped := RateLimitMiddleware(RateLimit{Rate: 1, Burst: 2}, getClientIP)(okHandler())

		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "192.168.1.2:12345", "").Code)
		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "192.168.1.2:12345", "").Code)

		rec := serveFrom(wrapped, "192.168.1.2:12345", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("retry after follows the refill interval", func(t *testing.T) {
		wrapped := RateLimitMiddleware(RateLimit{Rate: rate.Every(5 * time.Second), Burst: 1}, getClientIP)(okHandler())

		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "10.0.0.9:1", "").Code)
		rec := serveFrom(wrapped, "10.0.0.9:1", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	})

	t.Run("rejected requests do not consume tokens", func(t *testing.T) {
		set := newLimiterSet(RateLimit{Rate: 1, Burst: 1})
		now := time.Now()
		set.now = func() time.Time { return now }

		assert.Zero(t, set.wait("a"))
		for i := 0; i < 5; i++ {
			assert.Equal(t, time.Second, set.wait("a"))
		}
		now = now.Add(time.Second)
		assert.Zero(t, set.wait("a"))
	})

	t.Run("different IPs have separate limits", func(t *testing.T) {
		wrapped := RateLimitMiddleware(RateLimit{Rate: 1, Burst: 1}, getClientIP)(okHandler())

		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "192.168.1.10:12345", "").Code)
		assert.Equal(t, http.StatusTooManyRequests, serveFrom(wrapped, "192.168.1.10:12345", "").Code)
		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "192.168.1.20:12345", "").Code)
	})

	t.Run("clients behind the proxy are told apart", func(t *testing.T) {
		wrapped := RateLimitMiddleware(RateLimit{Rate: 1, Burst: 1}, getClientIP)(okHandler())

		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "127.0.0.1:4000", "203.0.113.50").Code)
		assert.Equal(t, http.StatusTooManyRequests, serveFrom(wrapped, "127.0.0.1:4000", "203.0.113.50").Code)
		assert.Equal(t, http.StatusOK, serveFrom(wrapped, "127.0.0.1:4000", "203.0.113.100").Code)
	})

	t.Run("zero rate passes everything", func(t *testing.T) {
		wrapped := RateLimitMiddleware(RateLimit{}, getClientIP)(okHandler())
		for i := 0; i < 50; i++ {
			assert.Equal(t, http.StatusOK, serveFrom(wrapped, "192.168.1.30:12345", "").Code)
		}
	})
}

func TestLimiterSetPrunesIdleBuckets(t *testing.T) {
	set := newLimiterSet(RateLimit{Rate: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()
	set.now = func() time.Time { return now }

	set.wait("a")
	set.wait("b")
	assert.Equal(t, 2, set.size())

	now = now.Add(30 * time.Second)
	set.wait("b")

	now = now.Add(45 * time.Second)
	set.wait("c")
	// a idle for 75s is dropped; b was seen 45s ago
	assert.Equal(t, 2, set.size())
}

func TestLimiterSetConcurrentAccess(t *testing.T) {
	set := newLimiterSet(RateLimit{Rate: 1, Burst: 100})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set.wait("192.168.1.1")
		}()
	}
	wg.Wait()

	assert.Greater(t, set.wait("192.168.1.1"), time.Duration(0))
}

func TestOperatorKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/x", nil)
	req.RemoteAddr = "192.168.1.5:999"
	assert.Equal(t, "192.168.1.5", operatorKey(req))

	claims := &OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ci"}}
	req = req.WithContext(context.WithValue(req.Context(), ClaimsContextKey, claims))
	assert.Equal(t, "sub:ci", operatorKey(req))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		expectedIP    string
	}{
		{name: "remote addr", remoteAddr: "192.168.1.1:12345", expectedIP: "192.168.1.1"},
		{name: "forwarded for", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.50", expectedIP: "203.0.113.50"},
		{name: "first hop of a chain", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.50, 10.0.0.1", expectedIP: "203.0.113.50"},
		{name: "real ip", remoteAddr: "10.0.0.1:12345", xRealIP: "203.0.113.60", expectedIP: "203.0.113.60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			assert.Equal(t, tt.expectedIP, getClientIP(req))
		})
	}
}
