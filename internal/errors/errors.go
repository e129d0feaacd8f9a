// Package errors defines the typed errors restbase raises and the validation
// error capability understood by the problem converters.
// Every predefined error includes a Hint for client guidance and a DocsURL for reference.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is an error that already knows how it should be presented to an API client.
type APIError struct {
	Status  int    `json:"status"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Hint    string `json:"hint,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("[%d] %s (hint: %s)", e.Status, e.Title, e.Hint)
	}
	return fmt.Sprintf("[%d] %s", e.Status, e.Title)
}

// Predefined errors.
var (
	ErrInvalidRequest      = &APIError{Status: 400, Type: "invalid_request", Title: "Invalid request", Hint: "Check the request format and parameters", DocsURL: "https://restbase.dev/docs/errors#invalid_request"}
	ErrAuthRequired        = &APIError{Status: 401, Type: "auth_required", Title: "Authentication required", Hint: "Set Authorization header: 'Bearer <token>'", DocsURL: "https://restbase.dev/docs/auth"}
	ErrAuthInvalid         = &APIError{Status: 401, Type: "auth_invalid", Title: "Invalid authentication token", Hint: "Check token expiry, issuer and audience", DocsURL: "https://restbase.dev/docs/auth"}
	ErrForbidden           = &APIError{Status: 403, Type: "forbidden", Title: "Access denied", Hint: "Check the zone configuration for this path", DocsURL: "https://restbase.dev/docs/zones"}
	ErrNotFound            = &APIError{Status: 404, Type: "not_found", Title: "Not found", Hint: "Check the request path", DocsURL: "https://restbase.dev/docs/errors#not_found"}
	ErrRateLimited         = &APIError{Status: 429, Type: "rate_limited", Title: "Rate limit exceeded", Hint: "Wait before retrying. Configure security.rate_limit in restbase.yaml", DocsURL: "https://restbase.dev/docs/rate-limit"}
	ErrUpstreamUnavailable = &APIError{Status: 502, Type: "upstream_unavailable", Title: "Upstream unavailable", Hint: "Check that upstream.url is reachable", DocsURL: "https://restbase.dev/docs/upstream"}
	ErrGlobalLimitReached  = &APIError{Status: 503, Type: "capacity_reached", Title: "Gateway capacity reached", Hint: "Gateway is at its global request rate. Try again shortly", DocsURL: "https://restbase.dev/docs/limits"}
)

// Violation is a single field-level validation failure.
type Violation struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// String renders the violation as "field: message", or just the message when
// the violation is not bound to a field.
func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// ViolationLister is the capability of carrying field-level violations.
// Any error implementing it is treated as a validation error.
type ViolationLister interface {
	ValidationViolations() []Violation
}

// ValidationError reports that request input failed validation.
type ValidationError struct {
	Violations []Violation
}

// NewValidationError creates a ValidationError from the given violations.
func NewValidationError(violations ...Violation) *ValidationError {
	return &ValidationError{Violations: violations}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ValidationViolations implements ViolationLister. The returned slice is a copy.
func (e *ValidationError) ValidationViolations() []Violation {
	if e == nil {
		return nil
	}
	out := make([]Violation, len(e.Violations))
	copy(out, e.Violations)
	return out
}

// AsValidationError reports whether any error in err's chain carries
// validation violations, and returns them. A typed nil *ValidationError does
// not count.
func AsValidationError(err error) ([]Violation, bool) {
	var vl ViolationLister
	if !errors.As(err, &vl) {
		return nil, false
	}
	if ve, ok := vl.(*ValidationError); ok && ve == nil {
		return nil, false
	}
	return vl.ValidationViolations(), true
}
