package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/ctxkeys"
)

// captureLog runs fn with a JSON slog logger writing to a buffer and returns the output.
func captureLog(fn func(*slog.Logger)) string {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	fn(logger)
	return buf.String()
}

func makeEntry() *ctxkeys.AuditEntry {
	return &ctxkeys.AuditEntry{
		Method:      http.MethodGet,
		Path:        "/api/users",
		ClientIP:    "203.0.113.9",
		InZone:      true,
		AuthSubject: "user@example.com",
		Status:      http.StatusOK,
		StartTime:   time.Now().Add(-25 * time.Millisecond),
	}
}

func decodeLine(t *testing.T, output string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		t.Fatalf("invalid JSON output: %v\noutput: %s", err, output)
	}
	return m
}

func TestLogRequest_Normal(t *testing.T) {
	ctx := ctxkeys.WithAuditEntry(context.Background(), makeEntry())

	output := captureLog(func(logger *slog.Logger) {
		NewLogger(logger, SamplingConfig{Rate: 1.0, ErrorRate: 1.0}).LogRequest(ctx)
	})
	if output == "" {
		t.Fatal("expected log output, got empty string")
	}

	m := decodeLine(t, output)
	checks := map[string]any{
		"msg":                       "access",
		"level":                     "INFO",
		"http.request.method":       "GET",
		"url.path":                  "/api/users",
		"client.address":            "203.0.113.9",
		"restbase.in_zone":          true,
		"http.response.status_code": float64(200),
		"enduser.id":                "user@example.com",
	}
	for k, want := range checks {
		if got, ok := m[k]; !ok || got != want {
			t.Errorf("field %q: got %v, want %v", k, got, want)
		}
	}
	if _, ok := m["duration_ms"]; !ok {
		t.Error("missing duration_ms")
	}
	if _, ok := m["restbase.problem_type"]; ok {
		t.Error("successful request should not carry a problem type")
	}
}

func TestLogRequest_Problem(t *testing.T) {
	entry := makeEntry()
	entry.Status = http.StatusTooManyRequests
	entry.ProblemType = "rate_limited"
	entry.BlockReason = "rate_limit"
	ctx := ctxkeys.WithAuditEntry(context.Background(), entry)

	output := captureLog(func(logger *slog.Logger) {
		// Successful requests are never logged; failures always are.
		NewLogger(logger, SamplingConfig{Rate: 0.0, ErrorRate: 1.0}).LogRequest(ctx)
	})
	if output == "" {
		t.Fatal("expected log output for blocked request")
	}
	m := decodeLine(t, output)
	if m["restbase.problem_type"] != "rate_limited" {
		t.Errorf("problem_type: got %v", m["restbase.problem_type"])
	}
	if m["restbase.block_reason"] != "rate_limit" {
		t.Errorf("block_reason: got %v", m["restbase.block_reason"])
	}
}

func TestLogRequest_ServerErrorIsWarn(t *testing.T) {
	entry := makeEntry()
	entry.Status = http.StatusBadGateway
	ctx := ctxkeys.WithAuditEntry(context.Background(), entry)

	output := captureLog(func(logger *slog.Logger) {
		NewLogger(logger, SamplingConfig{Rate: 1.0, ErrorRate: 1.0}).LogRequest(ctx)
	})
	if m := decodeLine(t, output); m["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", m["level"])
	}
}

func TestLogRequest_NoEntry(t *testing.T) {
	output := captureLog(func(logger *slog.Logger) {
		NewLogger(logger, SamplingConfig{Rate: 1.0, ErrorRate: 1.0}).LogRequest(context.Background())
	})
	if output != "" {
		t.Errorf("expected no output without audit entry, got: %s", output)
	}
}

func TestLogRequest_SamplingSkip(t *testing.T) {
	ctx := ctxkeys.WithAuditEntry(context.Background(), makeEntry())
	output := captureLog(func(logger *slog.Logger) {
		NewLogger(logger, SamplingConfig{Rate: 0.0, ErrorRate: 1.0}).LogRequest(ctx)
	})
	if output != "" {
		t.Errorf("expected no log output when sampling skips, got: %s", output)
	}
}

func TestLogger_OnConfigReload(t *testing.T) {
	l := NewLogger(nil, SamplingConfig{Rate: 1.0, ErrorRate: 1.0})
	cfg := &config.Config{}
	cfg.Logging.Access = config.AccessConfig{SamplingRate: 0.25, ErrorSamplingRate: 0.5}

	if err := l.OnConfigReload(cfg); err != nil {
		t.Fatalf("OnConfigReload: %v", err)
	}
	if got := l.Sampling(); got.Rate != 0.25 || got.ErrorRate != 0.5 {
		t.Errorf("sampling = %+v", got)
	}
}

func TestSampling(t *testing.T) {
	tests := []struct {
		name   string
		cfg    SamplingConfig
		failed bool
		want   bool
	}{
		{"always", SamplingConfig{Rate: 1.0}, false, true},
		{"never", SamplingConfig{Rate: 0.0, ErrorRate: 1.0}, false, false},
		{"errors always", SamplingConfig{Rate: 0.0, ErrorRate: 1.0}, true, true},
		{"errors never", SamplingConfig{Rate: 1.0, ErrorRate: 0.0}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				if got := tt.cfg.ShouldLog(tt.failed); got != tt.want {
					t.Fatalf("ShouldLog(%v) = %v, want %v", tt.failed, got, tt.want)
				}
			}
		})
	}
}

func TestSampling_HalfRate(t *testing.T) {
	s := SamplingConfig{Rate: 0.5, ErrorRate: 1.0}
	count := 0
	const n = 1000
	for i := 0; i < n; i++ {
		if s.ShouldLog(false) {
			count++
		}
	}
	// Expect roughly 500, allow 400-600.
	if count < 400 || count > 600 {
		t.Errorf("Rate=0.5: expected 400-600 logs out of 1000, got %d", count)
	}
}

func TestAccess_RecordsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)), SamplingConfig{Rate: 1.0, ErrorRate: 1.0})
	metrics := NewMetrics()

	handler := NewAccess(logger, metrics).Process(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, ok := ctxkeys.AuditEntryFrom(r.Context())
		if !ok {
			t.Fatal("audit entry missing in handler")
		}
		entry.InZone = true
		entry.ProblemType = "not_found"
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decodeLine(t, strings.TrimSpace(buf.String()))
	if m["http.response.status_code"] != float64(404) || m["url.path"] != "/api/missing" {
		t.Errorf("log line = %v", m)
	}

	body := scrape(t, metrics)
	for _, want := range []string{
		`restbase_requests_total{status="404",zone="in"} 1`,
		`restbase_problems_total{status="404",type="not_found"} 1`,
		`restbase_active_requests 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output, got:\n%s", want, body)
		}
	}
}

func TestAccess_ImplicitOK(t *testing.T) {
	metrics := NewMetrics()
	handler := NewAccess(nil, metrics).Process(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if body := scrape(t, metrics); !strings.Contains(body, `restbase_requests_total{status="200",zone="out"} 1`) {
		t.Errorf("expected implicit 200, got:\n%s", body)
	}
}
