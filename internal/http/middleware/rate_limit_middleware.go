package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"peak-tracker-service/internal/http/response"
)

// RateLimiter is a fixed-window per-client limiter. Session create/join are
// the only endpoints cheap to abuse (each insert burns a code), so they get
// a tighter window than the rest of the API.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*clientWindow
	cleanup time.Time
}

type clientWindow struct {
	start time.Time
	count int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*clientWindow),
		cleanup: time.Now().Add(window),
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := rl.allow(clientKey(r), time.Now())
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.cleanup) {
		for k, cw := range rl.windows {
			if now.Sub(cw.start) > 2*rl.window {
				delete(rl.windows, k)
			}
		}
		rl.cleanup = now.Add(rl.window)
	}

	cw, ok := rl.windows[key]
	if !ok || now.Sub(cw.start) >= rl.window {
		rl.windows[key] = &clientWindow{start: now, count: 1}
		return true, 0
	}
	if cw.count >= rl.limit {
		return false, cw.start.Add(rl.window).Sub(now)
	}
	cw.count++
	return true, 0
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
