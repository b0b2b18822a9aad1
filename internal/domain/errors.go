package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write lost a race against another writer.
	ErrConflict = errors.New("conflict")
)
