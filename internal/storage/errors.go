package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrOwnerMismatch is returned when an operation names an owner that does
// not match the conversation's recorded owner.
var ErrOwnerMismatch = errors.New("storage: conversation owner mismatch")
