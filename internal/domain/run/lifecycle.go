package run

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not on the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid run status transition")

// allowedTransitions is the lifecycle graph. running <-> waiting_approval is
// the only cycle; terminal statuses have no outgoing edges.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusCompleted: {},
	},
	StatusRunning: {
		StatusWaitingApproval: {},
		StatusCompleted:       {},
		StatusFailed:          {},
		StatusCancelled:       {},
	},
	StatusWaitingApproval: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal status change.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Transition moves r to status to, or returns ErrInvalidTransition.
func (r *Run) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}
