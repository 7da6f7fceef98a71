// Package event defines the wire-level Envelope streamed by the run server and
// the open frame the client sends when a run attempt starts.
package event

import "time"

// Type identifies the kind of envelope.
type Type string

const (
	TypePlan           Type = "plan"
	TypeStep           Type = "step"
	TypeEvaluation     Type = "evaluation"
	TypeNodeStart      Type = "node_start"
	TypeNodeComplete   Type = "node_complete"
	TypeApprovalNeeded Type = "approval_needed"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
)

var knownTypes = map[Type]bool{
	TypePlan:           true,
	TypeStep:           true,
	TypeEvaluation:     true,
	TypeNodeStart:      true,
	TypeNodeComplete:   true,
	TypeApprovalNeeded: true,
	TypeComplete:       true,
	TypeError:          true,
}

// Known reports whether t is part of the wire vocabulary.
func (t Type) Known() bool {
	return knownTypes[t]
}

// IsTerminal returns true for envelope types that end a run.
func (t Type) IsTerminal() bool {
	return t == TypeComplete || t == TypeError
}

// Envelope is one decoded server frame. Exactly one of the payload pointers
// matching Type is set; complete and error carry their data inline.
type Envelope struct {
	Type       Type
	RunID      int64
	Plan       *PlanPayload
	Step       *StepPayload
	Evaluation *EvaluationPayload
	Node       *NodePayload
	Approval   *ApprovalPayload
	Output     string
	Error      string
	Code       string

	// Defect is set when a terminal envelope decoded with a damaged payload.
	// The run still terminates with whatever data was recovered.
	Defect *ProtocolError

	ReceivedAt time.Time
}

// PlanPayload is the plan body of plan and step envelopes.
type PlanPayload struct {
	Goal     string            `json:"goal"`
	Approach string            `json:"approach,omitempty"`
	Steps    []PlanStepPayload `json:"steps"`
}

// PlanStepPayload is one declared plan step.
type PlanStepPayload struct {
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// StepPayload is one execution step.
type StepPayload struct {
	StepNumber int        `json:"step_number,omitempty"`
	Type       string     `json:"type"`
	Content    Text       `json:"content,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolInput  Text       `json:"tool_input,omitempty"`
	ToolOutput Text       `json:"tool_output,omitempty"`
	NodeID     string     `json:"node_id,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// EvaluationPayload reports the outcome of one plan step.
type EvaluationPayload struct {
	PlanStepIndex *int     `json:"plan_step_index"`
	Status        string   `json:"status"`
	Result        Text     `json:"result,omitempty"`
	Error         Text     `json:"error,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	Content       Text     `json:"content,omitempty"`
}

// NodePayload carries node_start and node_complete fields.
type NodePayload struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"node_name,omitempty"`
	Type       string `json:"node_type,omitempty"`
	Status     string `json:"status,omitempty"`
	Output     Text   `json:"output,omitempty"`
	Error      Text   `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ApprovalPayload describes a pause point.
type ApprovalPayload struct {
	ID        string `json:"id"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput Text   `json:"tool_input,omitempty"`
	Reason    string `json:"reason,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

// OpenFrame is the first client frame of a run attempt.
type OpenFrame struct {
	Input     string            `json:"input"`
	Context   map[string]string `json:"context,omitempty"`
	AuthToken string            `json:"auth_token,omitempty"`
	RequestID string            `json:"request_id"`
}
