package problem

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/visualcraft/restbase/internal/ctxkeys"
)

// Converter maps one kind of error to a Problem, or declines by returning nil.
//
// Convert must be cheap and side-effect free when it declines. A converter
// that panics is broken; the panic is not treated as "no match".
type Converter interface {
	Convert(err error) *Problem
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(err error) *Problem

// Convert calls f(err).
func (f ConverterFunc) Convert(err error) *Problem {
	return f(err)
}

// ConverterPanic is the value re-panicked when a converter panics inside Build.
// It keeps the original panic value and identifies the converter.
type ConverterPanic struct {
	Converter Converter
	Value     any
}

func (p *ConverterPanic) Error() string {
	return fmt.Sprintf("problem: converter %T panicked: %v", p.Converter, p.Value)
}

// Unwrap returns the panic value when it is an error.
func (p *ConverterPanic) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

// Factory converts errors into problem responses through an ordered converter list.
//
// Register is meant for startup; once the factory serves requests it must
// not be mutated. Build and WriteResponse are safe for concurrent use.
type Factory struct {
	converters []Converter
}

// NewFactory creates a Factory with the given converters in order.
// Nil converters are ignored.
func NewFactory(converters ...Converter) *Factory {
	f := &Factory{}
	for _, c := range converters {
		f.Register(c)
	}
	return f
}

// DefaultFactory returns a Factory with the built-in converters registered.
func DefaultFactory() *Factory {
	return NewFactory(
		ValidationErrorConverter{},
		APIErrorConverter{},
		DeadlineConverter{},
		MaxBytesConverter{},
	)
}

// Register appends a converter. Registration order is evaluation order.
func (f *Factory) Register(c Converter) {
	if c == nil {
		return
	}
	f.converters = append(f.converters, c)
}

// Len returns the number of registered converters.
func (f *Factory) Len() int {
	return len(f.converters)
}

// Build returns the Problem of the first converter that claims err,
// or Default when none does.
func (f *Factory) Build(err error) *Problem {
	for _, c := range f.converters {
		if p := convert(c, err); p != nil {
			return p
		}
	}
	return Default()
}

func convert(c Converter, err error) *Problem {
	defer func() {
		if v := recover(); v != nil {
			if cp, ok := v.(*ConverterPanic); ok {
				panic(cp)
			}
			panic(&ConverterPanic{Converter: c, Value: v})
		}
	}()
	return c.Convert(err)
}

// WriteResponse builds the problem for err and writes it to w.
// When r carries an audit entry, the problem type and status are recorded on it.
func (f *Factory) WriteResponse(w http.ResponseWriter, r *http.Request, err error) *Problem {
	p := f.Build(err)
	if r != nil {
		if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
			entry.ProblemType = p.Type
			entry.Status = p.Status
		}
	}
	Write(w, p)
	return p
}

// Write serializes p as a problem response.
func Write(w http.ResponseWriter, p *Problem) {
	body, err := json.Marshal(p)
	if err != nil {
		// A detail value that cannot be encoded: fall back to the bare problem.
		body, _ = json.Marshal(New(p.Title, p.Status, p.Type))
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(p.Status)
	w.Write(body)
}

// HandlerFunc is an HTTP handler that reports failure by returning an error
// instead of writing a response. It must not have written anything when it
// returns a non-nil error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler adapts h to http.Handler, rendering returned errors through f.
func (f *Factory) Handler(h HandlerFunc) http.Handler {
	if h == nil {
		panic("problem: nil handler func")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			f.WriteResponse(w, r, err)
		}
	})
}
