package store

import "errors"

// ErrNotFound is returned when a requested row does not exist in the store.
var ErrNotFound = errors.New("not found")
