// Package apperr defines the error taxonomy shared across ansuz packages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient provider failure")
	ErrPersistent        = errors.New("persistent provider failure")
	ErrCorruptedContent  = errors.New("corrupted content")
	ErrTurnLimitExceeded = errors.New("maximum tool execution turns exceeded")
	ErrAlreadyRunning    = errors.New("already running")
	ErrNotRunning        = errors.New("not running")
)

// ErrPathEscape is returned when a path resolves outside the vault root.
var ErrPathEscape = fmt.Errorf("%w: path escapes vault root", ErrValidation)

// Validation wraps a formatted message with ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps a formatted message with ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ProviderError is a failure reported by an embedding or chat provider.
// It matches ErrTransient or ErrPersistent depending on Retryable.
type ProviderError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Retryable
	case ErrPersistent:
		return !e.Retryable
	}
	return false
}

// Classify wraps err into a ProviderError. Rate limits, server errors and
// failures without an HTTP status (network, timeouts) are retryable.
func Classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Retryable: retryableStatus(status),
		Err:       err,
	}
}

func retryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
