// Package approval defines the port for resolving approval requests of a
// paused run.
package approval

import "context"

// Decision is the caller's answer to a pending approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// Resolver forwards a decision to the run server. The resulting state change
// arrives on the run's event stream, not through this call.
type Resolver interface {
	ResolveApproval(ctx context.Context, runID int64, d Decision) error
}
