// Package errors provides the sentinel error taxonomy for lensdb.
//
// Every failure surfaced by the public operations maps to one of the
// categories below. Conflict, not-found, already-exists and version
// errors are fatal to the invoked operation and never retried;
// validation errors abort only the offending exposure unit.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for all failure categories.
var (
	// ErrConflict signals lock contention: another process holds an
	// update-lock or access-lock on the store directory.
	ErrConflict = errors.New("store is locked by another process")

	// ErrNotFound signals that no store exists where one is required.
	ErrNotFound = errors.New("store not found")

	// ErrAlreadyExists signals that a store is already present on init.
	ErrAlreadyExists = errors.New("store already exists")

	// ErrValidation signals a malformed row or mixed exposure ids
	// within one unit.
	ErrValidation = errors.New("validation failed")

	// ErrVersion signals that the store was written by a newer tool
	// version than the running one.
	ErrVersion = errors.New("store version is newer than tool version")

	// ErrIO signals an underlying storage failure.
	ErrIO = errors.New("storage I/O failure")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsConflict returns true if err is a lock-contention error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound returns true if err is a store-absent error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists returns true if err is a store-present error.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsValidation returns true if err is a row-validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsVersion returns true if err is a version-incompatibility error.
func IsVersion(err error) bool { return errors.Is(err, ErrVersion) }

// IsIO returns true if err is an underlying storage error.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewConflict creates a conflict error naming the lock that blocks the
// operation.
func NewConflict(dir, lockName string) error {
	return fmt.Errorf("%s in %s: %w", lockName, dir, ErrConflict)
}

// NewNotFound creates a not-found error for the given root directory.
func NewNotFound(dir string) error {
	return fmt.Errorf("no store in %s: %w", dir, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error for the given root
// directory.
func NewAlreadyExists(dir string) error {
	return fmt.Errorf("store in %s: %w", dir, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(subject, reason string) error {
	return fmt.Errorf("%s: %s: %w", subject, reason, ErrValidation)
}

// NewVersion creates a version error naming both versions.
func NewVersion(stored, tool string) error {
	return fmt.Errorf("store v%s > tool v%s: %w", stored, tool, ErrVersion)
}

// NewIO wraps an underlying storage failure into the IO category.
func NewIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrIO)
}
