package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/visualcraft/restbase/internal/ctxkeys"
	apierrors "github.com/visualcraft/restbase/internal/errors"
)

var errSentinel = errors.New("sentinel")

// countingConverter records calls and claims errors matching target.
type countingConverter struct {
	target error
	result *Problem
	calls  int
}

func (c *countingConverter) Convert(err error) *Problem {
	c.calls++
	if errors.Is(err, c.target) {
		return c.result
	}
	return nil
}

func TestFactoryFirstMatchWins(t *testing.T) {
	first := &countingConverter{target: errSentinel, result: New("first", 418, "first")}
	second := &countingConverter{target: errSentinel, result: New("second", 409, "second")}
	f := NewFactory(first, second)

	p := f.Build(fmt.Errorf("wrapped: %w", errSentinel))
	if p.Type != "first" {
		t.Errorf("Type = %q, want %q", p.Type, "first")
	}
	if second.calls != 0 {
		t.Errorf("second converter called %d times after a match", second.calls)
	}
}

func TestFactorySkipsDecliningConverters(t *testing.T) {
	decline := &countingConverter{target: errors.New("other")}
	claim := &countingConverter{target: errSentinel, result: New("claimed", 422, "claimed")}
	f := NewFactory(decline, claim)

	p := f.Build(errSentinel)
	if p.Type != "claimed" {
		t.Errorf("Type = %q, want %q", p.Type, "claimed")
	}
	if decline.calls != 1 || claim.calls != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", decline.calls, claim.calls)
	}
}

func TestFactoryFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name    string
		factory *Factory
	}{
		{"no converters", NewFactory()},
		{"none match", NewFactory(&countingConverter{target: errSentinel})},
		{"default converters", DefaultFactory()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.factory.Build(errors.New("unrelated runtime error"))
			if p.Status != http.StatusInternalServerError {
				t.Errorf("Status = %d, want 500", p.Status)
			}
			if p.Type != "internal_error" {
				t.Errorf("Type = %q, want internal_error", p.Type)
			}
		})
	}
}

func TestFactoryRegisterIgnoresNil(t *testing.T) {
	f := NewFactory(nil)
	f.Register(nil)
	if f.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.Len())
	}
	f.Register(ConverterFunc(func(error) *Problem { return nil }))
	if f.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.Len())
	}
}

func TestFactoryRegisterAppendsInOrder(t *testing.T) {
	f := NewFactory()
	f.Register(ConverterFunc(func(error) *Problem { return New("a", 400, "a") }))
	f.Register(ConverterFunc(func(error) *Problem { return New("b", 400, "b") }))
	if got := f.Build(errSentinel).Type; got != "a" {
		t.Errorf("Type = %q, want a", got)
	}
}

func TestFactoryConverterPanicPropagates(t *testing.T) {
	boom := errors.New("converter bug")
	f := NewFactory(
		ConverterFunc(func(error) *Problem { panic(boom) }),
		ConverterFunc(func(error) *Problem { return New("never", 400, "never") }),
	)

	defer func() {
		v := recover()
		if v == nil {
			t.Fatal("converter panic was swallowed")
		}
		cp, ok := v.(*ConverterPanic)
		if !ok {
			t.Fatalf("panic value = %T, want *ConverterPanic", v)
		}
		if !errors.Is(cp, boom) {
			t.Errorf("ConverterPanic does not unwrap to the original error: %v", cp)
		}
	}()
	f.Build(errSentinel)
}

// Scenario: a validation error with one violation becomes a 400 response.
func TestWriteResponseValidationError(t *testing.T) {
	f := DefaultFactory()
	err := apierrors.NewValidationError(apierrors.Violation{Field: "field1", Message: "required"})

	rec := httptest.NewRecorder()
	f.WriteResponse(rec, httptest.NewRequest(http.MethodPost, "/api/users", nil), err)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", rec.Code)
	}
	want := `{"title":"Validation error","type":"validation_error","violations":["field1: required"]}`
	if rec.Body.String() != want {
		t.Errorf("body = %s\nwant   %s", rec.Body.String(), want)
	}
}

func TestWriteResponseTypedNilValidationError(t *testing.T) {
	var ve *apierrors.ValidationError
	failing := DefaultFactory().Handler(func(w http.ResponseWriter, r *http.Request) error {
		return ve
	})

	rec := httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nilv", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
}

// Scenario: an unrelated error becomes the generic 500 response.
func TestWriteResponseUnmatchedError(t *testing.T) {
	f := DefaultFactory()
	rec := httptest.NewRecorder()
	f.WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("nil pointer somewhere"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["type"] != "internal_error" {
		t.Errorf("type = %v", body["type"])
	}
	if len(body) != 2 {
		t.Errorf("generic body must only carry title and type, got %v", body)
	}
}

func TestWriteResponseRecordsAuditEntry(t *testing.T) {
	entry := &ctxkeys.AuditEntry{StartTime: time.Now()}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(ctxkeys.WithAuditEntry(r.Context(), entry))

	DefaultFactory().WriteResponse(httptest.NewRecorder(), r, apierrors.ErrRateLimited)

	if entry.ProblemType != "rate_limited" {
		t.Errorf("ProblemType = %q, want rate_limited", entry.ProblemType)
	}
	if entry.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", entry.Status)
	}
}

func TestFactoryHandler(t *testing.T) {
	f := DefaultFactory()

	ok := f.Handler(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Code = %d, want 204", rec.Code)
	}

	failing := f.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return fmt.Errorf("lookup: %w", apierrors.ErrNotFound)
	})
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Code = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestFactoryHandlerNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil handler")
		}
	}()
	DefaultFactory().Handler(nil)
}
