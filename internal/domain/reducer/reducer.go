// Package reducer folds server envelopes into run state. Every function here
// is pure: inputs are never mutated and no clock is read.
package reducer

import (
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// Skip reasons reported in Outcome.Skipped.
const (
	SkipFrozen        = "run is terminal"
	SkipRunIDMismatch = "run_id does not match"
)

// Outcome is the result of applying one envelope.
type Outcome struct {
	// Run is the state after the envelope. When Applied is false it is the
	// unchanged previous state.
	Run     *run.Run
	Applied bool

	// Skipped explains a silent drop (frozen run, foreign run id).
	Skipped string

	// ProtocolErr is set for envelopes that violate the contract. A terminal
	// envelope may be both Applied and carry a ProtocolErr.
	ProtocolErr *event.ProtocolError
}

// Apply computes the state that follows prev after env.
func Apply(prev *run.Run, env event.Envelope) Outcome {
	if prev == nil {
		if env.Type != event.TypePlan {
			return Outcome{ProtocolErr: event.NewProtocolError(env.Type, env.RunID, errors.New("no run to apply envelope to"))}
		}
		prev = &run.Run{
			ID:          env.RunID,
			SubjectKind: run.SubjectAgent,
			Status:      run.StatusPending,
			Steps:       []run.StepResult{},
			CreatedAt:   env.ReceivedAt,
		}
	}

	if prev.Status.IsTerminal() {
		return Outcome{Run: prev, Skipped: SkipFrozen}
	}
	if prev.ID != 0 && env.RunID != 0 && prev.ID != env.RunID {
		return Outcome{Run: prev, Skipped: SkipRunIDMismatch}
	}
	if !Accepts(prev.SubjectKind, env.Type) {
		return reject(prev, env, fmt.Errorf("%s envelope not valid for %s runs", env.Type, prev.SubjectKind))
	}

	next := prev.Clone()
	now := env.ReceivedAt
	if next.ID == 0 {
		next.ID = env.RunID
	}
	if next.StartedAt == nil {
		next.StartedAt = timePtr(now)
	}

	if !env.Type.IsTerminal() {
		if next.Status == run.StatusPending {
			next.Status = run.StatusRunning
		}
		if next.Status == run.StatusWaitingApproval && env.Type != event.TypeApprovalNeeded {
			next.Status = run.StatusRunning
			next.PendingApproval = nil
		}
	}

	var err error
	defect := env.Defect
	switch env.Type {
	case event.TypePlan:
		next.Plan = buildPlan(nil, env.Plan)
		if env.Step != nil {
			appendStep(next, env.Step, now)
		}
	case event.TypeStep:
		appendStep(next, env.Step, now)
		switch {
		case env.Plan == nil:
		case next.SubjectKind == run.SubjectAgent:
			next.Plan = buildPlan(next.Plan, env.Plan)
		default:
			// The step stands; only the plan is refused.
			defect = event.NewProtocolError(env.Type, env.RunID,
				fmt.Errorf("plan not valid for %s runs", next.SubjectKind))
		}
	case event.TypeEvaluation:
		err = applyEvaluation(next, env.Evaluation, now)
	case event.TypeNodeStart:
		applyNodeStart(next, env.Node, now)
	case event.TypeNodeComplete:
		applyNodeComplete(next, env.Node, now)
	case event.TypeApprovalNeeded:
		err = next.Transition(run.StatusWaitingApproval)
		if err == nil {
			next.PendingApproval = approvalFrom(env.Approval, now)
		}
	case event.TypeComplete:
		err = next.Transition(run.StatusCompleted)
		next.Output = env.Output
		finish(next, now)
	case event.TypeError:
		err = next.Transition(run.StatusFailed)
		next.Error = env.Error
		next.ErrorKind = run.ErrorKindServer
		finish(next, now)
	}
	if err != nil {
		return reject(prev, env, err)
	}

	next.Recount()
	return Outcome{Run: next, Applied: true, ProtocolErr: defect}
}

func reject(prev *run.Run, env event.Envelope, err error) Outcome {
	return Outcome{Run: prev, ProtocolErr: event.NewProtocolError(env.Type, env.RunID, err)}
}

func finish(r *run.Run, now time.Time) {
	r.PendingApproval = nil
	r.CompletedAt = timePtr(now)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func appendStep(r *run.Run, p *event.StepPayload, now time.Time) {
	n := p.StepNumber
	if n == 0 {
		n = len(r.Steps) + 1
	}
	ts := now
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}
	r.Steps = append(r.Steps, run.StepResult{
		StepNumber: n,
		Kind:       run.StepKind(p.Type),
		Content:    string(p.Content),
		ToolName:   p.ToolName,
		ToolInput:  string(p.ToolInput),
		ToolOutput: string(p.ToolOutput),
		NodeID:     p.NodeID,
		Duration:   time.Duration(p.DurationMs) * time.Millisecond,
		Timestamp:  ts,
	})
}

// buildPlan converts a payload into a plan. When prev is given, step status
// and results the payload leaves blank are carried over by index.
func buildPlan(prev *run.Plan, p *event.PlanPayload) *run.Plan {
	plan := &run.Plan{
		Goal:     p.Goal,
		Approach: p.Approach,
		Steps:    make([]run.PlanStep, len(p.Steps)),
	}
	for i, s := range p.Steps {
		step := run.PlanStep{
			Description: s.Description,
			Status:      run.PlanStepStatus(s.Status),
		}
		if prev != nil && i < len(prev.Steps) && step.Status == "" {
			old := prev.Steps[i]
			step.Status = old.Status
			step.Result = old.Result
			step.Error = old.Error
		}
		if step.Status == "" {
			step.Status = run.PlanStepPending
		}
		plan.Steps[i] = step
	}
	plan.Progress = progress(plan)
	return plan
}

func progress(p *run.Plan) float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		if s.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) * 100 / float64(len(p.Steps))
}

func applyEvaluation(r *run.Run, ev *event.EvaluationPayload, now time.Time) error {
	idx := *ev.PlanStepIndex
	if r.Plan == nil {
		return errors.New("evaluation without a plan")
	}
	if idx >= len(r.Plan.Steps) {
		return fmt.Errorf("plan_step_index %d out of range (%d steps)", idx, len(r.Plan.Steps))
	}
	step := &r.Plan.Steps[idx]
	step.Status = run.PlanStepStatus(ev.Status)
	if ev.Result != "" {
		step.Result = string(ev.Result)
	}
	if ev.Error != "" {
		step.Error = string(ev.Error)
	}
	if ev.Progress != nil {
		r.Plan.Progress = *ev.Progress
	} else {
		r.Plan.Progress = progress(r.Plan)
	}

	content := string(ev.Content)
	if content == "" {
		content = fmt.Sprintf("plan step %d %s", idx+1, ev.Status)
	}
	r.Steps = append(r.Steps, run.StepResult{
		StepNumber: len(r.Steps) + 1,
		Kind:       run.StepEvaluation,
		Content:    content,
		Timestamp:  now,
	})
	return nil
}

// node returns the NodeResult for id, appending a new one if needed.
func node(r *run.Run, id string) *run.NodeResult {
	for i := range r.Nodes {
		if r.Nodes[i].NodeID == id {
			return &r.Nodes[i]
		}
	}
	r.Nodes = append(r.Nodes, run.NodeResult{NodeID: id})
	return &r.Nodes[len(r.Nodes)-1]
}

func applyNodeStart(r *run.Run, p *event.NodePayload, now time.Time) {
	r.CurrentNodeID = p.NodeID
	n := node(r, p.NodeID)
	if p.Name != "" {
		n.Name = p.Name
	}
	if p.Type != "" {
		n.Type = p.Type
	}
	n.Status = run.NodeRunning
	n.StartedAt = timePtr(now)
}

func applyNodeComplete(r *run.Run, p *event.NodePayload, now time.Time) {
	r.CurrentNodeID = p.NodeID
	n := node(r, p.NodeID)
	if p.Name != "" {
		n.Name = p.Name
	}
	if p.Type != "" {
		n.Type = p.Type
	}
	status := run.NodeStatus(p.Status)
	if status == "" {
		status = run.NodeCompleted
		if p.Error != "" {
			status = run.NodeFailed
		}
	}
	n.Status = status
	n.Output = string(p.Output)
	n.Error = string(p.Error)
	n.Duration = time.Duration(p.DurationMs) * time.Millisecond
	n.CompletedAt = timePtr(now)

	content := n.Output
	if status == run.NodeFailed && n.Error != "" {
		content = n.Error
	}
	r.Steps = append(r.Steps, run.StepResult{
		StepNumber: len(r.Steps) + 1,
		Kind:       run.StepNodeExecution,
		Content:    content,
		NodeID:     p.NodeID,
		Duration:   n.Duration,
		Timestamp:  now,
	})
}

func approvalFrom(p *event.ApprovalPayload, now time.Time) *run.ApprovalRequest {
	return &run.ApprovalRequest{
		ID:          p.ID,
		ToolName:    p.ToolName,
		ToolInput:   string(p.ToolInput),
		Reason:      p.Reason,
		NodeID:      p.NodeID,
		RequestedAt: now,
	}
}
