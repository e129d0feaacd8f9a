package audit

import (
	"net/http"
	"time"

	"github.com/visualcraft/restbase/internal/ctxkeys"
)

// Access is the outermost pipeline stage. It creates the request's audit
// entry, lets later stages fill it in, then records metrics and the access log.
type Access struct {
	logger  *Logger
	metrics *Metrics
}

// NewAccess creates the access stage. Either collaborator may be nil.
func NewAccess(logger *Logger, metrics *Metrics) *Access {
	return &Access{logger: logger, metrics: metrics}
}

// Process returns an http.Handler that audits next.
func (a *Access) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := &ctxkeys.AuditEntry{
			Method:    r.Method,
			Path:      r.URL.Path,
			StartTime: time.Now(),
		}
		ctx := ctxkeys.WithAuditEntry(r.Context(), entry)
		sw := &statusWriter{ResponseWriter: w}

		if a.metrics != nil {
			a.metrics.IncActiveRequests()
			defer a.metrics.DecActiveRequests()
		}

		next.ServeHTTP(sw, r.WithContext(ctx))

		if entry.Status == 0 {
			entry.Status = sw.status()
		}
		if a.metrics != nil {
			a.metrics.RecordRequest(entry.InZone, entry.Status, time.Since(entry.StartTime))
			if entry.ProblemType != "" {
				a.metrics.RecordProblem(entry.ProblemType, entry.Status)
			}
		}
		if a.logger != nil {
			a.logger.LogRequest(ctx)
		}
	})
}

// Name returns the middleware name.
func (a *Access) Name() string {
	return "access"
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer when it supports streaming.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.code == 0 {
			w.code = http.StatusOK
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
