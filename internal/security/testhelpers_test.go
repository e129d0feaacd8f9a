package security

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/visualcraft/restbase/internal/ctxkeys"
	"github.com/visualcraft/restbase/internal/problem"
)

// okHandler returns 200 and writes AuthInfo details.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	info, ok := ctxkeys.AuthInfoFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "no-auth-info")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "mode=%s subject=%s scheme=%s verified=%v",
		info.Mode, info.Subject, info.Scheme, info.Verified)
})

// countingRecorder implements Recorder for assertions.
type countingRecorder struct {
	mu     sync.Mutex
	hits   map[string]int
	blocks map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, blocks: map[string]int{}}
}

func (c *countingRecorder) RecordRateLimitHit(layer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[layer]++
}

func (c *countingRecorder) RecordSecurityBlock(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[reason]++
}

func (c *countingRecorder) block(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[reason]
}

func testDeps(rec Recorder) Deps {
	return Deps{
		Factory:  problem.DefaultFactory(),
		Recorder: rec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// zoneRequest builds a request already classified into or out of the zone.
func zoneRequest(method, path, remoteAddr string, inZone bool) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	ctx := ctxkeys.WithZoneResult(req.Context(), ctxkeys.ZoneResult{InZone: inZone})
	return req.WithContext(ctx)
}

// decodeProblem parses a problem response body and checks its content type.
func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != problem.ContentType {
		t.Fatalf("Content-Type = %q, want %q", ct, problem.ContentType)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding problem body %q: %v", rec.Body.String(), err)
	}
	return body
}
