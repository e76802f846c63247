package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrConflict is returned when an operation clashes with the active task.
	ErrConflict = errors.New("conflict")
	// ErrTooLarge is returned when an uploaded artifact exceeds the allowed size.
	ErrTooLarge = errors.New("too large")
)
