// Package http serves the runtime's HTTP API.
package http

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Strob0t/auditrt/internal/logger"
	"github.com/Strob0t/auditrt/internal/resilience"
)

const headerRequestID = "X-Request-ID"

// RequestID takes X-Request-ID from the request or generates one, stores it
// in the context for log correlation and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// CORS returns middleware that sets CORS headers for allowedOrigin.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+headerRequestID)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logger returns middleware that logs HTTP requests.
func Logger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			log.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker, required for WebSocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("upstream ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RateLimiter limits requests per client IP with one token bucket per
// client. The least recently seen clients are evicted beyond maxClients.
type RateLimiter struct {
	rate     float64
	capacity float64
	buckets  *lru.Cache[string, *resilience.Limiter]
}

// NewRateLimiter creates a limiter refilling rate tokens per second up to
// capacity for each client.
func NewRateLimiter(rate, capacity float64, maxClients int) (*RateLimiter, error) {
	buckets, err := lru.New[string, *resilience.Limiter](max(maxClients, 1))
	if err != nil {
		return nil, fmt.Errorf("rate limiter cache: %w", err)
	}
	return &RateLimiter{rate: rate, capacity: capacity, buckets: buckets}, nil
}

func (rl *RateLimiter) bucket(ip string) *resilience.Limiter {
	if l, ok := rl.buckets.Get(ip); ok {
		return l
	}
	l := resilience.NewLimiter("api:"+ip, rl.rate, rl.capacity)
	if prev, ok, _ := rl.buckets.PeekOrAdd(ip, l); ok {
		return prev
	}
	return l
}

// Handler returns middleware enforcing the per-client limit.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := rl.bucket(clientIP(r))
		allowed := l.TryAcquire(1)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))
		if !allowed {
			retry := 1.0
			if rl.rate > 0 {
				retry = math.Ceil((1 - l.Tokens()) / rl.rate)
			}
			w.Header().Set("Retry-After", strconv.Itoa(max(int(retry), 1)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int { return rl.buckets.Len() }

// clientIP extracts the client IP from RemoteAddr. Proxy headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
