package server

import (
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-client limiter keyed by remote address.
// Inference requests are expensive, so the server sheds load before the
// model queue builds up.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*window
	limit    int
	interval time.Duration
}

type window struct {
	count int
	start time.Time
}

func newRateLimiter(limit int, interval time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*window),
		limit:    limit,
		interval: interval,
	}
	go rl.evictStale()
	return rl
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[addr]
	if !ok || now.Sub(v.start) > rl.interval {
		rl.visitors[addr] = &window{count: 1, start: now}
		return true
	}
	if v.count >= rl.limit {
		return false
	}
	v.count++
	return true
}

func (rl *rateLimiter) evictStale() {
	for {
		time.Sleep(rl.interval)
		rl.mu.Lock()
		for addr, v := range rl.visitors {
			if time.Since(v.start) > rl.interval*2 {
				delete(rl.visitors, addr)
			}
		}
		rl.mu.Unlock()
	}
}
