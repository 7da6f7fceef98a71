// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is not in a state that allows the operation.
var ErrConflict = errors.New("conflict: run is not in the required state")

// ErrUnavailable indicates an upstream server failed or could not be reached.
var ErrUnavailable = errors.New("upstream unavailable")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrAlreadyRunning is returned by Start when the subject already has a
// non-terminal run. No run is created and no connection is opened.
var ErrAlreadyRunning = errors.New("run already in progress")
