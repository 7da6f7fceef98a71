package event

import "fmt"

// ProtocolError reports a frame that violates the wire contract: malformed
// JSON, an unknown type, a missing field, or an event that does not fit the
// run it is addressed to. Inspect with errors.As.
type ProtocolError struct {
	EventType Type
	RunID     int64
	Err       error
}

// NewProtocolError wraps err for an envelope of type t.
func NewProtocolError(t Type, runID int64, err error) *ProtocolError {
	return &ProtocolError{EventType: t, RunID: runID, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error in %s envelope: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
