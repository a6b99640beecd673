package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the short-window request limit applied per client.
// This is independent of the daily search-result quota: it counts requests,
// not results.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRateLimit is 60 requests per client per minute.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 60, Window: time.Minute}
}

// RateLimiter provides per-client sliding-window rate limiting. A client is
// identified by its API key (x-api-key header or api_key query parameter)
// when present, otherwise by IP. The window slides: each request's timestamp
// is kept until it ages past the window, so bursts cannot reset the count at
// a window boundary.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	clients map[string][]time.Time
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. Call StartGC to enable periodic
// cleanup of idle client entries.
func NewRateLimiter(cfg RateLimitConfig, excludePrefixes ...string) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		config:  cfg,
		clients: make(map[string][]time.Time),
		exclude: excludePrefixes,
		now:     time.Now,
	}
}

// StartGC starts a background goroutine that drops clients with no requests
// inside the window. Stops when done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	cutoff := rl.now().Add(-rl.config.Window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, stamps := range rl.clients {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// allow records the request and reports whether it is within the limit.
// When blocked, retryAfter is the time until the oldest in-window request
// falls out of the window.
func (rl *RateLimiter) allow(client string) (ok bool, retryAfter time.Duration) {
	now := rl.now()
	cutoff := now.Add(-rl.config.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	stamps := rl.clients[client]
	// Drop entries that slid out of the window.
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= rl.config.MaxRequests {
		rl.clients[client] = stamps
		return false, stamps[0].Add(rl.config.Window).Sub(now)
	}

	rl.clients[client] = append(stamps, now)
	return true, 0
}

// Middleware is the HTTP middleware that enforces the rate limit, answering
// blocked requests with 429 and a retry_after hint in seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		client := ClientID(r)
		ok, retryAfter := rl.allow(client)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "client", client, "path", r.URL.Path)

		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":       "请求过于频繁，请稍后再试",
			"retry_after": seconds,
		})
	})
}

// ClientID identifies the caller: API key when supplied, client IP otherwise.
func ClientID(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ExtractIP(r)
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
