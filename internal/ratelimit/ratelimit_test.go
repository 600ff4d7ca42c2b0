package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLimiter(rate int, period time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(rate, period)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("6th request should be denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("another caller has its own window")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("3rd should be denied")
	}
	clock.t = clock.t.Add(61 * time.Second)
	if !l.Allow("a") {
		t.Fatal("after window reset should be allowed")
	}
}

func TestLimiter_PrunesExpiredWindows(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)
	l.Allow("a")
	l.Allow("b")
	if n := l.Tracked(); n != 2 {
		t.Fatalf("tracked = %d, want 2", n)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	l.Allow("c")
	if n := l.Tracked(); n != 1 {
		t.Fatalf("tracked = %d, want 1 after prune", n)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "192.0.2.1:4321"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d, want 204", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
}
