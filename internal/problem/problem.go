// Package problem turns errors into structured problem responses.
//
// A Factory holds an ordered list of Converters. Build asks each converter in
// registration order; the first non-nil Problem wins. When every converter
// declines, the generic 500 problem from Default is used.
//
// The response body is a JSON object with "title" and "type" followed by the
// problem details in insertion order. The HTTP status line carries Problem.Status.
package problem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType is the media type of problem responses.
const ContentType = "application/problem+json"

// Reserved body fields that details may not shadow.
const (
	fieldTitle = "title"
	fieldType  = "type"
)

// Detail is one named entry of a Problem's details.
type Detail struct {
	Key   string
	Value any
}

// Problem is a structured error description returned to API clients.
// It is created per error and is not safe for concurrent mutation.
type Problem struct {
	Title  string
	Status int
	Type   string

	details []Detail
	index   map[string]int
}

// New creates a Problem without details.
func New(title string, status int, typ string) *Problem {
	return &Problem{Title: title, Status: status, Type: typ}
}

// Default returns the generic problem used when no converter claims an error.
func Default() *Problem {
	return New("Internal Server Error", http.StatusInternalServerError, "internal_error")
}

// AddDetails appends a detail entry and returns p for chaining.
//
// It panics if key is empty, already present, or one of the reserved body
// fields ("title", "type"): a converter producing such a problem is broken.
func (p *Problem) AddDetails(key string, value any) *Problem {
	if key == "" {
		panic("problem: empty detail key")
	}
	if key == fieldTitle || key == fieldType {
		panic(fmt.Sprintf("problem: detail key %q is reserved", key))
	}
	if _, exists := p.index[key]; exists {
		panic(fmt.Sprintf("problem: duplicate detail key %q", key))
	}
	if p.index == nil {
		p.index = make(map[string]int)
	}
	p.index[key] = len(p.details)
	p.details = append(p.details, Detail{Key: key, Value: value})
	return p
}

// Details returns a copy of the detail entries in insertion order.
func (p *Problem) Details() []Detail {
	out := make([]Detail, len(p.details))
	copy(out, p.details)
	return out
}

// Detail returns the value stored under key.
func (p *Problem) Detail(key string) (any, bool) {
	i, ok := p.index[key]
	if !ok {
		return nil, false
	}
	return p.details[i].Value, true
}

// DetailsMap returns the details as a map. Order is lost.
func (p *Problem) DetailsMap() map[string]any {
	out := make(map[string]any, len(p.details))
	for _, d := range p.details {
		out[d.Key] = d.Value
	}
	return out
}

// Error implements the error interface so a Problem can travel as an error.
func (p *Problem) Error() string {
	return fmt.Sprintf("[%d] %s (%s)", p.Status, p.Title, p.Type)
}

// MarshalJSON encodes {"title":..,"type":..,<details...>} with details in insertion order.
func (p *Problem) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeMember(&buf, fieldTitle, p.Title); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeMember(&buf, fieldType, p.Type); err != nil {
		return nil, err
	}
	for _, d := range p.details {
		buf.WriteByte(',')
		if err := writeMember(&buf, d.Key, d.Value); err != nil {
			return nil, fmt.Errorf("detail %q: %w", d.Key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// Decode parses a problem body. Detail order follows the body; status is
// supplied by the caller (it travels on the status line, not in the body).
func Decode(status int, r io.Reader) (*Problem, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading problem body: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("problem body must be a JSON object")
	}

	p := &Problem{Status: status}
	seen := make(map[string]bool, 2)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading problem key: %w", err)
		}
		key, _ := tok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("reading problem field %q: %w", key, err)
		}

		switch key {
		case fieldTitle, fieldType:
			if seen[key] {
				return nil, fmt.Errorf("duplicate problem field %q", key)
			}
			seen[key] = true
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("problem field %q must be a string", key)
			}
			if key == fieldTitle {
				p.Title = s
			} else {
				p.Type = s
			}
		case "":
			return nil, fmt.Errorf("empty problem field name")
		default:
			if _, dup := p.index[key]; dup {
				return nil, fmt.Errorf("duplicate problem field %q", key)
			}
			p.AddDetails(key, value)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading problem body: %w", err)
	}
	return p, nil
}

// ReadResponse decodes a problem from an HTTP response.
func ReadResponse(resp *http.Response) (*Problem, error) {
	return Decode(resp.StatusCode, resp.Body)
}
