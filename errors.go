package posbase

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound       = errors.New("record not found")
	ErrInvalidPayload = errors.New("payload is not a plain field mapping")
	ErrConflict       = errors.New("concurrent modification detected")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("operation timed out")
	// ErrFallbackRefused wraps ErrBackendUnavailable: refusing to run a
	// destructive bulk write against the in-process fallback is reported
	// in the same class as "no real backend reachable".
	ErrFallbackRefused = fmt.Errorf("refusing to write to non-persistent fallback backend: %w", ErrBackendUnavailable)

	// Index errors
	ErrIndexDrift   = errors.New("index does not match stored records")
	ErrIndexRetries = errors.New("index update retries exhausted")

	// Lock errors
	ErrLockHeld    = errors.New("lock already held by another process")
	ErrLockTimeout = errors.New("failed to acquire lock within timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrIndexRetries)
}

// IsUnavailable checks if an error means the backend could not be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidConfig)
}
