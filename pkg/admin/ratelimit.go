package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const staleLimiterAge = 30 * time.Minute

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per remote IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	logger  zerolog.Logger
}

// NewRateLimiter creates a limiter allowing r requests per second with the given burst.
// A non-positive r disables limiting.
func NewRateLimiter(r float64, burst int, logger zerolog.Logger) *RateLimiter {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		clients: make(map[string]*limiterEntry),
		rate:    limit,
		burst:   max(burst, 1),
		logger:  logger,
	}
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Cleanup forgets limiters not used for a while.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	now := time.Now()
	for ip, entry := range rl.clients {
		if now.Sub(entry.lastAccess) > staleLimiterAge {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug().Int("removed", removed).Int("remaining", len(rl.clients)).Msg("Cleaned up stale rate limiters")
	}
	return removed
}

// RunCleanup calls Cleanup periodically until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !rl.Allow(ip) {
			rl.logger.Warn().Str("ip", ip).Str("method", r.Method).Str("endpoint", r.URL.Path).Msg("Rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded. Please try again later."})
			return
		}
		next.ServeHTTP(w, r)
	})
}
