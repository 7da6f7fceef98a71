package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// exemptPaths are never rate limited: health checks and the long-lived state stream.
var exemptPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// defaultMaxBuckets caps how many clients are tracked at once.
const defaultMaxBuckets = 100_000

// RateLimiter is per-client token bucket middleware for the control API.
// Starting a run dials the run server, so bursts from one client are capped.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      float64
	maxBuckets int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	at     time.Time // last refill, also used for idle eviction
}

// decision is the outcome of taking one token.
type decision struct {
	allowed    bool
	remaining  int
	retryAfter time.Duration
}

// NewRateLimiter creates a limiter refilling rate tokens per second up to
// burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      float64(burst),
		maxBuckets: defaultMaxBuckets,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Handler enforces the limit per client address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		client := clientAddr(r)
		d := rl.take(client)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(rl.burst)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		if d.allowed {
			next.ServeHTTP(w, r)
			return
		}

		slog.DebugContext(r.Context(), "rate limited", "remote_ip", client, "path", r.URL.Path)
		secs := int(math.Ceil(d.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	})
}

// take consumes one token from client's bucket if one is available.
func (rl *RateLimiter) take(client string) decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			return decision{retryAfter: rl.tokenInterval()}
		}
		b = &bucket{tokens: rl.burst, at: now}
		rl.buckets[client] = b
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.at).Seconds()*rl.rate)
	b.at = now

	if b.tokens < 1 {
		missing := 1 - b.tokens
		return decision{retryAfter: time.Duration(missing / rl.rate * float64(time.Second))}
	}
	b.tokens--
	return decision{allowed: true, remaining: int(b.tokens)}
}

func (rl *RateLimiter) tokenInterval() time.Duration {
	return time.Duration(float64(time.Second) / rl.rate)
}

// StartCleanup evicts buckets idle for longer than maxIdle every interval.
// The returned function stops it.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.evictIdle(maxIdle)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for client, b := range rl.buckets {
		if b.at.Before(cutoff) {
			delete(rl.buckets, client)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientAddr is the host part of RemoteAddr. Forwarding headers are only
// honored when a trusted proxy middleware rewrote RemoteAddr upstream.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
