package problem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// Validator is implemented by request types that check their own fields
// once the body has been decoded.
type Validator interface {
	Validate() []apierrors.Violation
}

// DecodeJSON decodes the JSON request body into dst.
//
// Input problems are reported as *apierrors.ValidationError: a non-JSON
// content type, an empty or malformed body, unknown fields, values of the
// wrong type and trailing data. When dst implements Validator its violations
// are reported the same way. A body cut off by http.MaxBytesReader is
// returned as the wrapped *http.MaxBytesError so it maps to 413.
func DecodeJSON(r *http.Request, dst any) error {
	if !IsJSONContentType(r.Header.Get("Content-Type")) {
		return apierrors.NewValidationError(apierrors.Violation{
			Field:   "content-type",
			Message: "must be application/json",
		})
	}
	if r.Body == nil || r.Body == http.NoBody {
		return emptyBody()
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var mbErr *http.MaxBytesError
		if errors.As(err, &mbErr) {
			return fmt.Errorf("reading request body: %w", err)
		}
		return apierrors.NewValidationError(apierrors.Violation{
			Message: "body must contain a single JSON value",
		})
	}

	if v, ok := dst.(Validator); ok {
		if violations := v.Validate(); len(violations) > 0 {
			return apierrors.NewValidationError(violations...)
		}
	}
	return nil
}

// PeekJSON checks that the request body is one well-formed JSON value and
// leaves r.Body readable from the start for the next handler. A positive
// limit caps the body size.
func PeekJSON(w http.ResponseWriter, r *http.Request, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return DecodeJSON(r, new(json.RawMessage))
	}

	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, body, limit)
	}
	var buf bytes.Buffer
	r.Body = io.NopCloser(io.TeeReader(body, &buf))
	err := DecodeJSON(r, new(json.RawMessage))
	r.Body = replayBody{Reader: io.MultiReader(&buf, body), Closer: body}
	return err
}

// replayBody serves already-read bytes before the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

// IsJSONContentType reports whether ct is application/json or a +json type.
func IsJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || (strings.HasPrefix(mt, "application/") && strings.HasSuffix(mt, "+json"))
}

func emptyBody() error {
	return apierrors.NewValidationError(apierrors.Violation{Message: "request body must not be empty"})
}

func decodeError(err error) error {
	var (
		mbErr     *http.MaxBytesError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &mbErr):
		return fmt.Errorf("reading request body: %w", err)
	case errors.Is(err, io.EOF):
		return emptyBody()
	case errors.Is(err, io.ErrUnexpectedEOF):
		return apierrors.NewValidationError(apierrors.Violation{Message: "malformed JSON: unexpected end of body"})
	case errors.As(err, &syntaxErr):
		return apierrors.NewValidationError(apierrors.Violation{
			Message: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset),
		})
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return apierrors.NewValidationError(apierrors.Violation{
			Field:   field,
			Message: "must be " + jsonKind(typeErr.Type),
		})
	}

	// encoding/json reports unknown fields only through the message text.
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return apierrors.NewValidationError(apierrors.Violation{
			Field:   strings.Trim(name, `"`),
			Message: "unknown field",
		})
	}
	return apierrors.NewValidationError(apierrors.Violation{Message: err.Error()})
}

// jsonKind names a Go type the way a JSON client would recognize it.
func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	default:
		return "a " + t.String()
	}
}
