package run

import (
	"fmt"

	"github.com/Strob0t/runstream/internal/domain"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusPending:         true,
	StatusRunning:         true,
	StatusWaitingApproval: true,
	StatusCompleted:       true,
	StatusFailed:          true,
	StatusCancelled:       true,
}

// validSubjectKinds enumerates all valid subject kinds.
var validSubjectKinds = map[SubjectKind]bool{
	SubjectAgent:    true,
	SubjectWorkflow: true,
}

// ValidSubjectKind reports whether k is a known subject kind.
func ValidSubjectKind(k SubjectKind) bool {
	return validSubjectKinds[k]
}

// Validate checks the structural invariants of a Run snapshot.
func (r *Run) Validate() error {
	if r.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if !validSubjectKinds[r.SubjectKind] {
		return fmt.Errorf("invalid subject_kind %q", r.SubjectKind)
	}
	if !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.StepsCompleted != len(r.Steps) {
		return fmt.Errorf("steps_completed %d does not match %d steps", r.StepsCompleted, len(r.Steps))
	}
	if r.Output != "" && r.Status != StatusCompleted {
		return fmt.Errorf("output set on %s run", r.Status)
	}
	if r.Error != "" && r.Status != StatusFailed {
		return fmt.Errorf("error set on %s run", r.Status)
	}
	if r.Plan != nil && r.SubjectKind != SubjectAgent {
		return fmt.Errorf("plan is only valid for agent runs")
	}
	return nil
}

// Validate checks that a StartRequest has all required fields.
func (r *StartRequest) Validate() error {
	if r.SubjectID == "" {
		return fmt.Errorf("subject_id is required: %w", domain.ErrValidation)
	}
	if !validSubjectKinds[r.SubjectKind] {
		return fmt.Errorf("invalid subject_kind %q: %w", r.SubjectKind, domain.ErrValidation)
	}
	if r.Input == "" {
		return fmt.Errorf("input is required: %w", domain.ErrValidation)
	}
	return nil
}
