package storage

import "errors"

// ErrNotFound is returned when the requested account does not exist.
var ErrNotFound = errors.New("account not found")

// ErrConflict is returned when a write would break a uniqueness or state invariant.
var ErrConflict = errors.New("conflicting account state")
