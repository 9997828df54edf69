package models

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrNoCandidate = errors.New("no provider available")
	ErrDependency  = errors.New("dependency failure")

	ErrBookingUnavailable = fmt.Errorf("%w: booking no longer available", ErrConflict)
	ErrVersionConflict    = fmt.Errorf("%w: stale version", ErrConflict)
	ErrWrongProvider      = fmt.Errorf("%w: provider is not assigned to booking", ErrConflict)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid status transition", ErrConflict)
	ErrStaleUpdate        = fmt.Errorf("%w: update older than stored state", ErrConflict)
	ErrProviderEngaged    = fmt.Errorf("%w: provider holds an active booking", ErrConflict)
)

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Dependency wraps err from an external collaborator unless it already
// carries one of the domain kinds.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrNoCandidate, ErrDependency} {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
