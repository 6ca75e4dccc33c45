package pipe

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is matched by every *ConnectError.
	ErrConnect = errors.New("pipe: connect failed")

	// ErrPipeClosed is returned by operations on a closed pipe.
	ErrPipeClosed = errors.New("pipe: closed")

	// ErrInvalidConfig is returned for out of range configuration values.
	ErrInvalidConfig = errors.New("pipe: invalid configuration")
)

// maxConnectErrors caps the connect failure counter of a pipe.
const maxConnectErrors = 1_000_000_000

// ConnectError reports a failure to establish (or re-establish) a handle.
type ConnectError struct {
	Address string
	Err     error

	code int64
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("pipe: connect to %s failed (code %d): %v", e.Address, e.code, e.Err)
}

// Unwrap exposes both ErrConnect and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// Code is a diagnostic code derived from the pipe's connect failure counter. It is negative
// and distinct for consecutive failures until the counter saturates.
func (e *ConnectError) Code() int64 {
	return e.code
}
