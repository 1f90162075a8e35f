package providers

import (
	"errors"
	"fmt"
)

// ProviderError wraps a vendor SDK failure with the provider and model it
// came from and, when known, the HTTP status code. The runner's failover
// policy classifies these to decide retry eligibility.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider, model string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Err: err}
}

// WithStatus attaches the HTTP status code and returns the error.
func (e *ProviderError) WithStatus(code int) *ProviderError {
	e.StatusCode = code
	return e
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s): status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the HTTP status code, or 0 if unknown. The failover
// policy matches this method without importing this package.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// StatusOf extracts the HTTP status code from a provider error chain,
// or 0 if unknown.
func StatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
