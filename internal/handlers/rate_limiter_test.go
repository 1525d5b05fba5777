package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWindowRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("10.0.0.1"); !ok {
			t.Fatalf("hit %d should be allowed", i)
		}
	}
	ok, wait := limiter.Allow("10.0.0.1")
	if ok || wait != time.Minute {
		t.Fatalf("third hit: ok=%v wait=%v", ok, wait)
	}
	if ok, _ := limiter.Allow("10.0.0.2"); !ok {
		t.Fatalf("other keys are independent")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("10.0.0.1"); !ok {
		t.Fatalf("window should reset")
	}
}

func TestNewWindowRateLimiterDisabled(t *testing.T) {
	if newWindowRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("zero limit should disable the limiter")
	}
}

func TestRateLimitByIP(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(1, 30*time.Second, func() time.Time { return now })
	handler := rateLimitByIP(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders/track", nil)
	req.RemoteAddr = "192.0.2.7:51234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("second request: %d retry-after=%q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	cases := map[string]string{
		"192.0.2.7:1234":    "192.0.2.7",
		"[2001:db8::1]:443": "2001:db8::1",
		"192.0.2.9":         "192.0.2.9",
		"2001:db8::2":       "2001:db8::2",
	}
	for addr, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if got := clientKey(req); got != want {
			t.Fatalf("clientKey(%q) = %q, want %q", addr, got, want)
		}
	}
}
