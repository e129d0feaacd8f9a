package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/visualcraft/restbase/internal/ctxkeys"
)

func newTestZoneLimiter(t *testing.T, perIP, burst int) (*ZoneRateLimiter, *countingRecorder) {
	t.Helper()
	recorder := newCountingRecorder()
	rl := NewZoneRateLimiter(context.Background(), RateLimitPipelineConfig{
		Enabled:         true,
		PerIP:           perIP,
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
	}, testDeps(recorder))
	t.Cleanup(rl.Stop)
	return rl, recorder
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestZoneRateLimiterWithinLimit(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 6000, 10)
	handler := rl.Process(okHandler)

	for i := 0; i < 10; i++ {
		rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:12345", true))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestZoneRateLimiterExceeded(t *testing.T) {
	rl, recorder := newTestZoneLimiter(t, 60, 2)
	handler := rl.Process(okHandler)

	for i := 0; i < 2; i++ {
		if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:12345", true)); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:12345", true))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	body := decodeProblem(t, rec)
	if body["type"] != "rate_limited" {
		t.Errorf("problem type = %v, want rate_limited", body["type"])
	}
	if recorder.hits["zone_ip"] != 1 || recorder.block("rate_limit") != 1 {
		t.Errorf("recorder hits=%v blocks=%v", recorder.hits, recorder.blocks)
	}
}

func TestZoneRateLimiterIgnoresOutOfZone(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 60, 1)
	handler := rl.Process(okHandler)

	for i := 0; i < 5; i++ {
		if rec := serve(handler, zoneRequest(http.MethodGet, "/static", "192.168.1.1:1", false)); rec.Code != http.StatusOK {
			t.Fatalf("out-of-zone request %d: expected 200, got %d", i, rec.Code)
		}
	}
	// Unclassified requests are out of zone too.
	req := httptest.NewRequest(http.MethodGet, "/static", nil)
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Fatalf("unclassified request: expected 200, got %d", rec.Code)
	}

	// The bucket for this IP is still full.
	if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:1", true)); rec.Code != http.StatusOK {
		t.Errorf("first in-zone request: expected 200, got %d", rec.Code)
	}
}

func TestZoneRateLimiterIndependentIPs(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 60, 2)
	handler := rl.Process(okHandler)

	for i := 0; i < 2; i++ {
		serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:12345", true))
	}
	if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.1:12345", true)); rec.Code != http.StatusTooManyRequests {
		t.Errorf("IP1: expected 429, got %d", rec.Code)
	}
	if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.168.1.2:12345", true)); rec.Code != http.StatusOK {
		t.Errorf("IP2: expected 200, got %d", rec.Code)
	}
}

func TestZoneRateLimiterPrefersContextClientIP(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 60, 1)
	handler := rl.Process(okHandler)

	withIP := func(remote, client string) *http.Request {
		req := zoneRequest(http.MethodGet, "/api", remote, true)
		return req.WithContext(ctxkeys.WithClientIP(req.Context(), client))
	}

	if rec := serve(handler, withIP("10.0.0.1:1", "203.0.113.50")); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	// Same client behind a different proxy shares the bucket.
	if rec := serve(handler, withIP("10.0.0.2:1", "203.0.113.50")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rec.Code)
	}
}

func TestZoneRateLimiterTrustedProxiesFallback(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 60, 1)
	rl.WithTrustedProxies([]string{"10.0.0.0/8"})
	handler := rl.Process(okHandler)

	req := zoneRequest(http.MethodGet, "/api", "10.0.0.1:8080", true)
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.1")
	if rec := serve(handler, req); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	req = zoneRequest(http.MethodGet, "/api", "10.0.0.2:8080", true)
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	if rec := serve(handler, req); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rec.Code)
	}
}

func TestZoneRateLimiterDisabled(t *testing.T) {
	rl := NewZoneRateLimiter(context.Background(), RateLimitPipelineConfig{Enabled: false, PerIP: 60, Burst: 1}, testDeps(nil))
	defer rl.Stop()
	if rl.Enabled() {
		t.Fatal("limiter should report disabled")
	}
	handler := rl.Process(okHandler)
	for i := 0; i < 5; i++ {
		if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.0.2.1:1", true)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestZoneRateLimiterUpdate(t *testing.T) {
	rl, _ := newTestZoneLimiter(t, 60, 1)
	handler := rl.Process(okHandler)

	serve(handler, zoneRequest(http.MethodGet, "/api", "192.0.2.1:1", true))
	if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.0.2.1:1", true)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before update, got %d", rec.Code)
	}

	rl.Update(RateLimitPipelineConfig{Enabled: true, PerIP: 60, Burst: 5})
	if rec := serve(handler, zoneRequest(http.MethodGet, "/api", "192.0.2.1:1", true)); rec.Code != http.StatusOK {
		t.Errorf("expected fresh bucket after update, got %d", rec.Code)
	}

	rl.Update(RateLimitPipelineConfig{Enabled: false})
	if rl.Enabled() {
		t.Error("expected disabled after update")
	}
}

func TestLimiterSetSweep(t *testing.T) {
	set := &limiterSet{cfg: RateLimitPipelineConfig{Enabled: true, PerIP: 60, Burst: 1}}
	set.get("192.0.2.1")
	set.get("192.0.2.2")
	if set.size() != 2 {
		t.Fatalf("size = %d, want 2", set.size())
	}

	set.sweep(time.Now().Add(time.Minute).UnixNano())
	if set.size() != 0 {
		t.Errorf("size after sweep = %d, want 0", set.size())
	}
}
