package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrStaleStatus is returned when a conditional update finds a different status.
	ErrStaleStatus = errors.New("stale status")

	// ErrDuplicate is returned when a uniqueness rule rejects an insert.
	ErrDuplicate = errors.New("duplicate entity")
)
