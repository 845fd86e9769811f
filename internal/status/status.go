// Package status defines the uniform error taxonomy shared by every
// archcore subsystem. A nil Status means NO_ERROR; all other values
// implement error so callers can use errors.Is against the sentinels
// below or wrap them with fmt.Errorf("%w").
package status

import "errors"

// Status is a sentinel kernel status code. The zero value is never used;
// success is spelled as a nil error, matching idiomatic Go rather than a
// NO_ERROR constant.
type Status struct {
	name string
}

func (s *Status) Error() string { return s.name }

var (
	ErrInvalidArgs    = &Status{"ERR_INVALID_ARGS"}
	ErrOutOfRange     = &Status{"ERR_OUT_OF_RANGE"}
	ErrNoMemory       = &Status{"ERR_NO_MEMORY"}
	ErrNotFound       = &Status{"ERR_NOT_FOUND"}
	ErrNotSupported   = &Status{"ERR_NOT_SUPPORTED"}
	ErrNotImplemented = &Status{"ERR_NOT_IMPLEMENTED"}
	ErrGeneric        = &Status{"ERR_GENERIC"}
)

// Is reports whether err is (or wraps) this status, so callers can write
// errors.Is(err, status.ErrNotFound) against wrapped errors.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	return ok && t == s
}

// IsNotFound is a convenience wrapper for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
