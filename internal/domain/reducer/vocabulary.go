package reducer

import (
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// vocabulary lists the envelope types each subject kind may receive.
var vocabulary = map[run.SubjectKind]map[event.Type]bool{
	run.SubjectAgent: {
		event.TypePlan:           true,
		event.TypeStep:           true,
		event.TypeEvaluation:     true,
		event.TypeApprovalNeeded: true,
		event.TypeComplete:       true,
		event.TypeError:          true,
	},
	run.SubjectWorkflow: {
		event.TypeStep:           true,
		event.TypeNodeStart:      true,
		event.TypeNodeComplete:   true,
		event.TypeApprovalNeeded: true,
		event.TypeComplete:       true,
		event.TypeError:          true,
	},
}

// Accepts reports whether a run of the given kind understands envelope type t.
func Accepts(kind run.SubjectKind, t event.Type) bool {
	return vocabulary[kind][t]
}
