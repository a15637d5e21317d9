package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"
)

// RateLimit is a token bucket applied per client key. A zero Rate disables it.
type RateLimit struct {
	Rate  rate.Limit
	Burst int
	// IdleTTL drops buckets of clients not seen for this long
	IdleTTL time.Duration
}

var (
	// operatorLimit applies per token subject on /api/v1
	operatorLimit = RateLimit{Rate: 10, Burst: 20, IdleTTL: 5 * time.Minute}
	// registerLimit applies per client IP to install token exchange
	registerLimit = RateLimit{Rate: rate.Every(5 * time.Second), Burst: 5, IdleTTL: 10 * time.Minute}
)

// KeyFunc picks the bucket a request is charged to
type KeyFunc func(*http.Request) string

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one bucket per key and prunes idle ones on access
type limiterSet struct {
	limit RateLimit

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

func newLimiterSet(limit RateLimit) *limiterSet {
	if limit.IdleTTL <= 0 {
		limit.IdleTTL = 5 * time.Minute
	}
	return &limiterSet{
		limit:     limit,
		buckets:   make(map[string]*bucket),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// wait charges one token to key. It returns zero when the request may
// proceed, otherwise how long until a token frees up.
func (s *limiterSet) wait(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) >= s.limit.IdleTTL {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) >= s.limit.IdleTTL {
				delete(s.buckets, k)
			}
		}
		s.lastPrune = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit.Rate, s.limit.Burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return s.limit.IdleTTL
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimitMiddleware rejects requests over limit with 429 and a
// Retry-After header, charging each to the bucket key returns
func RateLimitMiddleware(limit RateLimit, key KeyFunc) func(http.Handler) http.Handler {
	if limit.Rate <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	set := newLimiterSet(limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if delay := set.wait(k); delay > 0 {
				hlog.FromRequest(r).Warn().
					Str("client", k).
					Str("path", r.URL.Path).
					Dur("retry_after", delay).
					Msg("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// operatorKey charges authenticated requests to the token subject and
// falls back to the client IP
func operatorKey(r *http.Request) string {
	if claims := GetClaimsFromContext(r.Context()); claims != nil {
		return "sub:" + claims.Subject
	}
	return getClientIP(r)
}

// getClientIP prefers the first X-Forwarded-For hop, since nginx fronts the API
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
