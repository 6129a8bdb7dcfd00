package repo

import "errors"

var (
	// ErrNotFound indicates a required record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a mutation was rejected to protect an invariant,
	// such as overwriting a terminal payment status.
	ErrConflict = errors.New("conflict")
)
