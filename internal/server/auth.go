package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
)

// keyMatches compares in constant time. An empty expected key never matches.
func keyMatches(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// clientIP is the rate limiting key for r.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

type bucket struct {
	tokens float64
	last   time.Time
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// limiter is a per-client token bucket plus a lockout for clients that keep
// presenting bad keys.
type limiter struct {
	rate  float64
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	fails   map[string]*failures
}

func newLimiter(rate float64, burst int) *limiter {
	return &limiter{
		rate:    rate,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		fails:   make(map[string]*failures),
	}
}

func (l *limiter) allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), last: now}
		l.buckets[key] = b
	}
	b.tokens = min(float64(l.burst), b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// blocked returns the remaining lockout for key, or zero.
func (l *limiter) blocked(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.fails[key]
	if !ok || f.blockedUntil.IsZero() {
		return 0
	}
	left := f.blockedUntil.Sub(l.now())
	if left <= 0 {
		delete(l.fails, key)
		return 0
	}
	return left
}

func (l *limiter) failure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	f, ok := l.fails[key]
	if !ok || now.Sub(f.windowStart) > authWindow {
		f = &failures{windowStart: now}
		l.fails[key] = f
	}
	f.count++
	if f.count >= authMaxFailures {
		f.blockedUntil = now.Add(authBlock)
	}
}

func (l *limiter) success(key string) {
	l.mu.Lock()
	delete(l.fails, key)
	l.mu.Unlock()
}

// guard authenticates bearer keys and applies rate limits. Paths in open
// skip authentication.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		if s.noAuth || s.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if left := s.limiter.blocked(ip); left > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(left.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
			return
		}

		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !keyMatches(key, s.apiKey) {
			s.limiter.failure(ip)
			s.logger.Warn("unauthorized request", "path", r.URL.Path, "client", ip)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		s.limiter.success(ip)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
