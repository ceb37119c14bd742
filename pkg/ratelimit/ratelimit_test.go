package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// starts with a full bucket of 2 tokens, refills one every 100ms
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("client") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("client") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("client") {
		t.Error("Third request should be rate limited")
	}

	// other clients have their own bucket
	if !limiter.Allow("other") {
		t.Error("Different key should be allowed")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("client") {
		t.Error("Request after refill should be allowed")
	}
	if got := limiter.Clients(); got != 2 {
		t.Errorf("Clients() = %d, want 2", got)
	}
}

func TestDisabledLimiter(t *testing.T) {
	limiter := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("client") {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := limiter.Middleware(func(r *http.Request) string {
		return "client"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/send-headers", nil))
		codes[i] = rr.Code
	}

	want := []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, codes[i], want[i])
		}
	}
}

func TestKeyFuncs(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"

	if got := IPKeyFunc(r); got != "10.0.0.7" {
		t.Errorf("IPKeyFunc() = %q, want 10.0.0.7", got)
	}
	if got := APIKeyFunc(r); got != "10.0.0.7" {
		t.Errorf("APIKeyFunc() without key = %q, want IP", got)
	}

	r.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	if got := IPKeyFunc(r); got != "192.168.1.1" {
		t.Errorf("IPKeyFunc() with XFF = %q, want 192.168.1.1", got)
	}

	r.Header.Set("Authorization", "Bearer k")
	if got := APIKeyFunc(r); got != "Bearer k" {
		t.Errorf("APIKeyFunc() = %q, want Bearer k", got)
	}
}
