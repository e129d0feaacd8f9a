package security

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/visualcraft/restbase/internal/problem"
)

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover converts handler panics into the factory's error response.
//
// Panics raised by a problem converter, and http.ErrAbortHandler, are
// re-panicked: a broken converter is a programming error and must surface.
type Recover struct {
	deps Deps
}

// NewRecover creates the Recover middleware.
func NewRecover(deps Deps) *Recover {
	return &Recover{deps: deps.withDefaults()}
}

// Process returns an http.Handler that recovers panics from next.
func (rc *Recover) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if isConverterPanic(v) || v == http.ErrAbortHandler {
				panic(v)
			}

			rc.deps.Logger.Error("handler panic",
				"panic", fmt.Sprint(v),
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if tw.wroteHeader {
				// Too late for a problem response; let net/http drop the connection.
				panic(http.ErrAbortHandler)
			}
			rc.deps.Factory.WriteResponse(tw, r, &PanicError{Value: v})
		}()
		next.ServeHTTP(tw, r)
	})
}

// Name returns the middleware name.
func (rc *Recover) Name() string {
	return "recover"
}

func isConverterPanic(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	var cp *problem.ConverterPanic
	return errors.As(err, &cp)
}

// trackingWriter records whether the response header was sent.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer when it supports streaming.
func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
