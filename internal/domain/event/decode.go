package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// DefaultErrorMessage is used when an error envelope carries no message.
const DefaultErrorMessage = "run failed"

// frame is the flat wire shape shared by all envelope types.
type frame struct {
	EventType string          `json:"event_type"`
	RunID     json.RawMessage `json:"run_id"`
	Plan      json.RawMessage `json:"plan"`
	Step      json.RawMessage `json:"step"`
	Eval      json.RawMessage `json:"evaluation"`
	Approval  json.RawMessage `json:"approval"`
	Output    json.RawMessage `json:"output"`
	Error     json.RawMessage `json:"error"`
	Message   json.RawMessage `json:"message"`
	Code      json.RawMessage `json:"code"`
}

var validStepKinds = map[run.StepKind]bool{
	run.StepThinking:      true,
	run.StepToolCall:      true,
	run.StepToolResult:    true,
	run.StepNodeExecution: true,
	run.StepEvaluation:    true,
	run.StepResponse:      true,
	run.StepError:         true,
}

var validPlanStepStatuses = map[run.PlanStepStatus]bool{
	run.PlanStepPending:    true,
	run.PlanStepInProgress: true,
	run.PlanStepCompleted:  true,
	run.PlanStepFailed:     true,
	run.PlanStepSkipped:    true,
}

// Decode parses one server frame.
//
// Frames that cannot be understood return a *ProtocolError and no envelope.
// Terminal frames always decode when their type is readable: a damaged payload
// is recorded in Envelope.Defect so the run can still be finished.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, &ProtocolError{Err: fmt.Errorf("malformed frame: %w", err)}
	}
	t := Type(f.EventType)
	if t == "" {
		return Envelope{}, &ProtocolError{Err: errors.New("missing event_type")}
	}
	if !t.Known() {
		return Envelope{}, &ProtocolError{EventType: t, Err: fmt.Errorf("unknown event type %q", t)}
	}

	env := Envelope{Type: t}
	id, idErr := parseRunID(f.RunID)
	env.RunID = id

	if t.IsTerminal() {
		defect := decodeTerminal(&env, &f)
		if defect == nil {
			defect = idErr
		}
		if defect != nil {
			env.Defect = &ProtocolError{EventType: t, RunID: id, Err: defect}
		}
		return env, nil
	}

	if idErr != nil {
		return Envelope{}, &ProtocolError{EventType: t, Err: idErr}
	}
	if err := decodeProgress(&env, data, &f); err != nil {
		return Envelope{}, &ProtocolError{EventType: t, RunID: id, Err: err}
	}
	return env, nil
}

func decodeTerminal(env *Envelope, f *frame) error {
	switch env.Type {
	case TypeComplete:
		if absent(f.Output) {
			return errors.New("missing output")
		}
		out, err := textFromRaw(f.Output)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		env.Output = out
		return nil
	case TypeError:
		env.Code, _ = textFromRaw(f.Code)
		msg, err := firstText(f.Error, f.Message)
		if msg != "" {
			env.Error = msg
			return err
		}
		env.Error = DefaultErrorMessage
		if err != nil {
			return err
		}
		return errors.New("missing error message")
	}
	return nil
}

func decodeProgress(env *Envelope, data []byte, f *frame) error {
	switch env.Type {
	case TypePlan:
		if absent(f.Plan) {
			return errors.New("missing plan")
		}
		plan, err := decodePlan(f.Plan)
		if err != nil {
			return err
		}
		env.Plan = plan
		if !absent(f.Step) {
			step, err := decodeStep(f.Step)
			if err != nil {
				return err
			}
			env.Step = step
		}
	case TypeStep:
		if absent(f.Step) {
			return errors.New("missing step")
		}
		step, err := decodeStep(f.Step)
		if err != nil {
			return err
		}
		env.Step = step
		if !absent(f.Plan) {
			plan, err := decodePlan(f.Plan)
			if err != nil {
				return err
			}
			env.Plan = plan
		}
	case TypeEvaluation:
		if absent(f.Eval) {
			return errors.New("missing evaluation")
		}
		ev, err := decodeEvaluation(f.Eval)
		if err != nil {
			return err
		}
		env.Evaluation = ev
	case TypeNodeStart, TypeNodeComplete:
		node, err := decodeNode(env.Type, data)
		if err != nil {
			return err
		}
		env.Node = node
	case TypeApprovalNeeded:
		if absent(f.Approval) {
			return errors.New("missing approval")
		}
		var a ApprovalPayload
		if err := json.Unmarshal(f.Approval, &a); err != nil {
			return fmt.Errorf("approval: %w", err)
		}
		env.Approval = &a
	}
	return nil
}

func decodePlan(raw json.RawMessage) (*PlanPayload, error) {
	var p PlanPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if p.Goal == "" {
		return nil, errors.New("plan: missing goal")
	}
	for i, s := range p.Steps {
		if s.Status != "" && !validPlanStepStatuses[run.PlanStepStatus(s.Status)] {
			return nil, fmt.Errorf("plan: step %d: invalid status %q", i, s.Status)
		}
	}
	return &p, nil
}

func decodeStep(raw json.RawMessage) (*StepPayload, error) {
	var s StepPayload
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("step: %w", err)
	}
	if s.Type == "" {
		return nil, errors.New("step: missing type")
	}
	if !validStepKinds[run.StepKind(s.Type)] {
		return nil, fmt.Errorf("step: unknown type %q", s.Type)
	}
	if s.StepNumber < 0 {
		return nil, fmt.Errorf("step: negative step_number %d", s.StepNumber)
	}
	return &s, nil
}

func decodeEvaluation(raw json.RawMessage) (*EvaluationPayload, error) {
	var ev EvaluationPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	if ev.PlanStepIndex == nil {
		return nil, errors.New("evaluation: missing plan_step_index")
	}
	if *ev.PlanStepIndex < 0 {
		return nil, fmt.Errorf("evaluation: negative plan_step_index %d", *ev.PlanStepIndex)
	}
	if !validPlanStepStatuses[run.PlanStepStatus(ev.Status)] {
		return nil, fmt.Errorf("evaluation: invalid status %q", ev.Status)
	}
	return &ev, nil
}

func decodeNode(t Type, data []byte) (*NodePayload, error) {
	var n NodePayload
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	if n.NodeID == "" {
		return nil, errors.New("node: missing node_id")
	}
	if t == TypeNodeComplete {
		switch run.NodeStatus(n.Status) {
		case "", run.NodeCompleted, run.NodeFailed:
		default:
			return nil, fmt.Errorf("node: invalid status %q", n.Status)
		}
	}
	return &n, nil
}

func parseRunID(raw json.RawMessage) (int64, error) {
	if absent(raw) {
		return 0, errors.New("missing run_id")
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("run_id: %w", err)
	}
	return id, nil
}

// firstText returns the first non-empty text among the candidates.
func firstText(candidates ...json.RawMessage) (string, error) {
	var firstErr error
	for _, raw := range candidates {
		if absent(raw) {
			continue
		}
		s, err := textFromRaw(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s != "" {
			return s, nil
		}
	}
	return "", firstErr
}

func absent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
