// Package errdefs defines the error kinds shared across component boundaries.
// Components wrap low-level failures into one of these kinds with %w so that
// callers (HTTP handlers, the CLI) can classify errors with errors.Is without
// depending on component internals.
package errdefs

import (
	"errors"
	"fmt"
)

// Root error kinds. Each concrete error in the codebase wraps exactly one of
// these.
var (
	// ErrInvalid marks validation failures (bad spec, bad name, cycle).
	ErrInvalid = errors.New("invalid argument")
	// ErrNotFound marks lookups for entities that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks operations rejected by current state (duplicate id,
	// still running, illegal transition).
	ErrConflict = errors.New("conflict")
	// ErrCapacity marks bounded-resource exhaustion (full queue, lagged
	// subscriber).
	ErrCapacity = errors.New("capacity exceeded")
	// ErrTimeout marks deadline expiry on an operation that may have partially
	// completed.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled marks cooperative cancellation. Never logged as an error.
	ErrCancelled = errors.New("cancelled")
	// ErrExternal marks failures in external collaborators (subprocess spawn,
	// container runtime, disk I/O).
	ErrExternal = errors.New("external failure")
	// ErrFatal marks unrecoverable faults that trigger safe shutdown
	// (corrupt registry, journal write failure).
	ErrFatal = errors.New("fatal")
)

// Invalid wraps a message as an ErrInvalid.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// NotFound wraps a message as an ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict wraps a message as an ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Capacity wraps a message as an ErrCapacity.
func Capacity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCapacity, fmt.Sprintf(format, args...))
}

// Timeout wraps a message as an ErrTimeout.
func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Cancelled wraps a message as an ErrCancelled.
func Cancelled(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCancelled, fmt.Sprintf(format, args...))
}

// External wraps an underlying error as an ErrExternal, preserving it in the
// message.
func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternal, op, err)
}

// Fatal wraps an underlying error as an ErrFatal.
func Fatal(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrFatal, op, err)
}

// IsInvalid reports whether err is an ErrInvalid.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsCapacity reports whether err is an ErrCapacity.
func IsCapacity(err error) bool { return errors.Is(err, ErrCapacity) }

// IsCancelled reports whether err is an ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
