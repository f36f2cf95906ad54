package agent

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("session closed")

	// ErrUnknownArchitecture indicates the agent reported an architecture
	// this client does not know.
	ErrUnknownArchitecture = errors.New("unknown architecture")

	// ErrNegativeLength indicates a range or read was constructed with a
	// negative length.
	ErrNegativeLength = errors.New("negative length")

	// ErrReadTooLarge indicates a memory read spans more than math.MaxInt32
	// bytes in total.
	ErrReadTooLarge = errors.New("read too large")

	// ErrUnknownSeverity indicates a diagnostic carried an unrecognized
	// severity name.
	ErrUnknownSeverity = errors.New("unknown severity")

	// ErrUnknownPieceType indicates a location piece had an unrecognized type.
	ErrUnknownPieceType = errors.New("unknown piece type")

	// ErrUnknownCompletionKind indicates an autocomplete match had an
	// unrecognized kind.
	ErrUnknownCompletionKind = errors.New("unknown completion kind")
)

// ValueError reports a field whose value is out of range or malformed.
type ValueError struct {
	Field string
	Value any
	Err   error
}

// Error implements the error interface.
func (e *ValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %v", e.Field, e.Value)
}

// Unwrap returns the underlying error.
func (e *ValueError) Unwrap() error {
	return e.Err
}
