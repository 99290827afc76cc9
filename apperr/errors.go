// Package apperr holds the error taxonomy shared by the payment components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AuthError is returned when the gateway credential exchange fails.
type AuthError struct {
	Gateway    string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s authentication failed: %v", e.Gateway, e.Err)
	}
	return fmt.Sprintf("%s authentication failed: status %d: %s", e.Gateway, e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError is returned when a gateway was reachable but rejected the
// request, or could not be reached at all (Retryable).
type GatewayError struct {
	Gateway    string
	Operation  string
	StatusCode int
	Raw        []byte
	Retryable  bool
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s failed: %v", e.Gateway, e.Operation, e.Err)
	case len(e.Raw) > 0:
		return fmt.Sprintf("%s %s rejected: status %d: %s", e.Gateway, e.Operation, e.StatusCode, string(e.Raw))
	default:
		return fmt.Sprintf("%s %s rejected: status %d", e.Gateway, e.Operation, e.StatusCode)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

func IsRetryable(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable
}
