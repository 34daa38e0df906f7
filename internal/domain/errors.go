// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity already exists or was modified concurrently.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("validation")

// ErrInvalidTransition indicates a lifecycle transition that the current state does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")
