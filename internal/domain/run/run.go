// Package run defines the Run domain entity: the client-side state of one
// agent or workflow execution attempt, folded from the server's event stream.
package run

import (
	"maps"
	"slices"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal returns true if the run is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SubjectKind identifies what is being executed.
type SubjectKind string

const (
	SubjectAgent    SubjectKind = "agent"
	SubjectWorkflow SubjectKind = "workflow"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindServer           ErrorKind = "server_error"
	ErrorKindConnectionFailed ErrorKind = "connection_failed"
)

// StepKind is the kind of an observed execution step.
type StepKind string

const (
	StepThinking      StepKind = "thinking"
	StepToolCall      StepKind = "tool_call"
	StepToolResult    StepKind = "tool_result"
	StepNodeExecution StepKind = "node_execution"
	StepEvaluation    StepKind = "evaluation"
	StepResponse      StepKind = "response"
	StepError         StepKind = "error"
)

// PlanStepStatus is the intent-level status of a single plan step.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
	PlanStepFailed     PlanStepStatus = "failed"
	PlanStepSkipped    PlanStepStatus = "skipped"
)

// IsTerminal returns true if the plan step is in a final state.
func (s PlanStepStatus) IsTerminal() bool {
	switch s {
	case PlanStepCompleted, PlanStepFailed, PlanStepSkipped:
		return true
	}
	return false
}

// NodeStatus is the status of a workflow node.
type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// Run is the canonical, observable state of one execution attempt.
// Values handed to observers are snapshots and must not be mutated.
type Run struct {
	ID              int64             `json:"id,omitempty"`
	SubjectID       string            `json:"subject_id"`
	SubjectKind     SubjectKind       `json:"subject_kind"`
	Input           string            `json:"input"`
	Context         map[string]string `json:"context,omitempty"`
	Status          Status            `json:"status"`
	Output          string            `json:"output,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	Steps           []StepResult      `json:"steps"`
	StepsCompleted  int               `json:"steps_completed"`
	Plan            *Plan             `json:"plan,omitempty"`
	CurrentNodeID   string            `json:"current_node_id,omitempty"`
	Nodes           []NodeResult      `json:"nodes,omitempty"`
	PendingApproval *ApprovalRequest  `json:"pending_approval,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	// Revision grows with every state the registry publishes. Zero means
	// the state did not come from a live registry and carries no order.
	Revision        uint64            `json:"revision,omitempty"`
}

// StepResult is one unit of observed progress in the execution trace.
type StepResult struct {
	StepNumber int           `json:"step_number"`
	Kind       StepKind      `json:"kind"`
	Content    string        `json:"content,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	ToolInput  string        `json:"tool_input,omitempty"`
	ToolOutput string        `json:"tool_output,omitempty"`
	NodeID     string        `json:"node_id,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Plan is an agent's declared intent, distinct from the execution trace.
type Plan struct {
	Goal     string     `json:"goal"`
	Approach string     `json:"approach,omitempty"`
	Steps    []PlanStep `json:"steps"`
	Progress float64    `json:"progress"`
}

// PlanStep is one ordered step of a Plan.
type PlanStep struct {
	Description string         `json:"description"`
	Status      PlanStepStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NodeResult tracks one workflow node, keyed by NodeID.
type NodeResult struct {
	NodeID      string        `json:"node_id"`
	Name        string        `json:"name,omitempty"`
	Type        string        `json:"type,omitempty"`
	Status      NodeStatus    `json:"status"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ApprovalRequest is a pause point waiting on an external decision.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	ToolName    string    `json:"tool_name,omitempty"`
	ToolInput   string    `json:"tool_input,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// StartRequest holds the fields needed to start a new run.
type StartRequest struct {
	SubjectID   string            `json:"subject_id"`
	SubjectKind SubjectKind       `json:"subject_kind"`
	Input       string            `json:"input"`
	Context     map[string]string `json:"context,omitempty"`
}

// New returns a pending run for the request.
func New(req StartRequest, now time.Time) *Run {
	return &Run{
		SubjectID:   req.SubjectID,
		SubjectKind: req.SubjectKind,
		Input:       req.Input,
		Context:     maps.Clone(req.Context),
		Status:      StatusPending,
		Steps:       []StepResult{},
		CreatedAt:   now,
	}
}

// Clone returns a deep copy. Reducer transitions operate on clones so that
// previously published snapshots never change.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Context = maps.Clone(r.Context)
	c.Steps = slices.Clone(r.Steps)
	if c.Steps == nil {
		c.Steps = []StepResult{}
	}
	c.Nodes = slices.Clone(r.Nodes)
	if r.Plan != nil {
		p := *r.Plan
		p.Steps = slices.Clone(r.Plan.Steps)
		c.Plan = &p
	}
	if r.PendingApproval != nil {
		a := *r.PendingApproval
		c.PendingApproval = &a
	}
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// Recount recomputes the derived StepsCompleted field.
func (r *Run) Recount() {
	r.StepsCompleted = len(r.Steps)
}

// Duration returns the wall time between start and completion, or zero if the
// run has not both started and finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
