package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGlobalRateLimiter(t *testing.T) {
	recorder := newCountingRecorder()
	// 60 rpm gives a burst of 1.
	g := NewGlobalRateLimiter(60, testDeps(recorder))
	handler := g.Process(okHandler)

	if rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeProblem(t, rec)
	if body["type"] != "capacity_reached" {
		t.Errorf("problem type = %v", body["type"])
	}
	if recorder.hits["global"] != 1 || recorder.block("capacity") != 1 {
		t.Errorf("recorder hits=%v blocks=%v", recorder.hits, recorder.blocks)
	}
}

func TestGlobalRateLimiterDisabled(t *testing.T) {
	g := NewGlobalRateLimiter(0, testDeps(nil))
	if g.Enabled() {
		t.Fatal("0 rpm should disable the limiter")
	}
	handler := g.Process(okHandler)
	for i := 0; i < 20; i++ {
		if rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestGlobalRateLimiterSetLimit(t *testing.T) {
	g := NewGlobalRateLimiter(0, testDeps(nil))
	g.SetLimit(60)
	if !g.Enabled() {
		t.Fatal("expected enabled after SetLimit")
	}
	handler := g.Process(okHandler)
	serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	g.SetLimit(-1)
	if g.Enabled() {
		t.Error("negative limit should disable")
	}
}
