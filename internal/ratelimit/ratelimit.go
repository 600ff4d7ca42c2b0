// Package ratelimit provides a fixed-window rate limiter keyed by caller.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter allows rate requests per window for each key.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	rate      int
	period    time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type window struct {
	count int
	start time.Time
}

// New creates a Limiter that allows rate requests per period and key.
func New(rate int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
		now:     time.Now,
	}
}

// Allow reports whether key is within its limit and counts the request.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > l.period {
		l.pruneLocked(now)
	}
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.period {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.rate
}

// Tracked returns the number of keys with an open window.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) > l.period {
			delete(l.windows, key)
		}
	}
	l.lastPrune = now
}

// Middleware rejects requests over the limit with 429, keyed by remote IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
