// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is not in a state that allows the requested transition.
var ErrConflict = errors.New("conflict: resource is not in the expected state")

// ErrValidation indicates a request or payload failed structural validation.
var ErrValidation = errors.New("validation failed")
