package problem

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// ValidationErrorConverter maps errors carrying validation violations to a 400 problem.
type ValidationErrorConverter struct{}

// Convert implements Converter.
func (ValidationErrorConverter) Convert(err error) *Problem {
	violations, ok := apierrors.AsValidationError(err)
	if !ok {
		return nil
	}
	list := make([]string, len(violations))
	for i, v := range violations {
		list[i] = v.String()
	}
	return New("Validation error", http.StatusBadRequest, "validation_error").
		AddDetails("violations", list)
}

// APIErrorConverter maps *apierrors.APIError to a problem carrying its own status and type.
type APIErrorConverter struct{}

// Convert implements Converter.
func (APIErrorConverter) Convert(err error) *Problem {
	var apiErr *apierrors.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	p := New(apiErr.Title, apiErr.Status, apiErr.Type)
	if apiErr.Hint != "" {
		p.AddDetails("hint", apiErr.Hint)
	}
	if apiErr.DocsURL != "" {
		p.AddDetails("docs_url", apiErr.DocsURL)
	}
	return p
}

// DeadlineConverter maps context.DeadlineExceeded to a 504 problem.
type DeadlineConverter struct{}

// Convert implements Converter.
func (DeadlineConverter) Convert(err error) *Problem {
	if !errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return New("Gateway timeout", http.StatusGatewayTimeout, "timeout")
}

// MaxBytesConverter maps *http.MaxBytesError to a 413 problem.
type MaxBytesConverter struct{}

// Convert implements Converter.
func (MaxBytesConverter) Convert(err error) *Problem {
	var mbErr *http.MaxBytesError
	if !errors.As(err, &mbErr) {
		return nil
	}
	return New("Request body too large", http.StatusRequestEntityTooLarge, "body_too_large").
		AddDetails("limit", mbErr.Limit)
}
