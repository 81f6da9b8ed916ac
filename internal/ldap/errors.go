package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrNoHandle is returned when an operation is attempted on a destroyed connection.
	ErrNoHandle = errors.New("connection has no active handle")

	// ErrTooManyControls is returned when merged controls exceed MaxControls.
	ErrTooManyControls = errors.New("too many controls")

	// ErrResultTimeout is returned by an Engine when no message arrived within the timeout.
	ErrResultTimeout = errors.New("timeout waiting for result")

	// ErrNotInitialized is returned when connections are allocated before Init.
	ErrNotInitialized = errors.New("ldap library not initialized")
)

// ResultError is returned by operations whose classified status is a failure.
type ResultError struct {
	Operation string // The operation that failed
	Diagnostic
}

func (e *ResultError) Error() string {
	var parts []string

	if e.LibCode != ldap.LDAPResultSuccess {
		parts = append(parts, fmt.Sprintf("LDAP %s %s (code %d)", e.Operation, e.Status, e.LibCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s %s", e.Operation, e.Status))
	}

	if text := e.Text(); text != "" {
		parts = append(parts, text)
	}

	return strings.Join(parts, " - ")
}

// IsRetryable reports whether a fresh connection may succeed where this one failed.
func (e *ResultError) IsRetryable() bool {
	return e.Status == StatusBadConnection || e.Status == StatusTimeout
}

// GetStatus returns the classified status.
func (e *ResultError) GetStatus() Status {
	return e.Status
}

// newResultError wraps a diagnostic as an error, or returns nil for non-failure statuses.
func newResultError(operation string, d *Diagnostic) error {
	if d == nil || !d.Status.Failed() {
		return nil
	}

	return &ResultError{Operation: operation, Diagnostic: *d}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return false
}

// GetStatus returns the status carried by err, StatusSuccess for nil and StatusError otherwise.
func GetStatus(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var resultErr *ResultError
	if errors.As(err, &resultErr) {
		return resultErr.Status
	}

	return StatusError
}

// IsBadConnection checks if an error means the connection should be discarded.
func IsBadConnection(err error) bool {
	return GetStatus(err) == StatusBadConnection
}

// IsRejected checks if an error indicates the credentials were refused.
func IsRejected(err error) bool {
	return GetStatus(err) == StatusReject
}

// IsNotPermitted checks if an error indicates an authorization refusal.
func IsNotPermitted(err error) bool {
	return GetStatus(err) == StatusNotPermitted
}
