// Package dberr holds the error classes shared by every layer of the database.
// Callers wrap one of the sentinels with context and test with errors.Is.
package dberr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks schema or field mismatches caught before any write.
	ErrValidation = errors.New("validation error")
	// ErrPermissionDenied marks a missing permission bit.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound marks an absent database, collection, document, group or record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate active revisions, concurrent-update losers and
	// out-of-range Merkle indices. Conflicts caused by lock contention are retryable.
	ErrConflict = errors.New("conflict")
	// ErrInvariant marks a broken internal invariant. Never swallowed.
	ErrInvariant = errors.New("invariant violation")
	// ErrExternal marks an unreachable storage, proving or blockchain dependency.
	ErrExternal = errors.New("external dependency error")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return wrap(ErrPermissionDenied, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func Invariant(format string, args ...any) error {
	return wrap(ErrInvariant, format, args...)
}

// External wraps cause as an external dependency failure, keeping cause in the chain.
func External(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrExternal, fmt.Sprintf(format, args...), cause)
}

func wrap(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))
}

// Class returns the sentinel err belongs to, or nil when it is unclassified.
func Class(err error) error {
	for _, class := range []error{ErrInvariant, ErrValidation, ErrPermissionDenied, ErrNotFound, ErrConflict, ErrExternal} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}

// Retryable reports whether the operation that produced err may be attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternal) || errors.Is(err, ErrConflict)
}
