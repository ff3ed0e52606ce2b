package models

import (
	"errors"
	"fmt"
)

var (
	// ErrJobFailed is returned when the remote service reports JOB_FAILED.
	ErrJobFailed = errors.New("remote job failed")

	// ErrJobCancelled is returned for jobs cancelled locally or after a protocol error.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrConfiguration marks invalid scheduler, correlator or channel parameters.
	ErrConfiguration = errors.New("invalid configuration")
)

// TransientError is a network or timeout failure. The operation may be retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected response. It is terminal for the
// job or channel that produced it.
type ProtocolError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: protocol error (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: protocol error: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a TransientError.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// NewProtocolError wraps err as a ProtocolError.
func NewProtocolError(op string, status int, err error) error {
	return &ProtocolError{Op: op, Status: status, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ConfigError wraps a parameter validation failure with ErrConfiguration.
func ConfigError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
