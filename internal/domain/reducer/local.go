package reducer

import (
	"time"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// DefaultConnectionLostReason is reported when the transport gives no reason.
const DefaultConnectionLostReason = "connection closed before the run finished"

// Opened marks a pending run as running once its connection is established.
// Any other status is returned unchanged.
func Opened(prev *run.Run, now time.Time) (*run.Run, bool) {
	if prev == nil || prev.Status != run.StatusPending {
		return prev, false
	}
	next := prev.Clone()
	next.Status = run.StatusRunning
	if next.StartedAt == nil {
		next.StartedAt = timePtr(now)
	}
	return next, true
}

// Cancel moves a non-terminal run to cancelled.
func Cancel(prev *run.Run, now time.Time) (*run.Run, bool) {
	if prev == nil || prev.Status.IsTerminal() {
		return prev, false
	}
	next := prev.Clone()
	next.Status = run.StatusCancelled
	finish(next, now)
	next.Recount()
	return next, true
}

// ConnectionLost fails a non-terminal run whose transport ended without a
// terminal envelope.
func ConnectionLost(prev *run.Run, reason string, now time.Time) (*run.Run, bool) {
	if prev == nil || prev.Status.IsTerminal() {
		return prev, false
	}
	if reason == "" {
		reason = DefaultConnectionLostReason
	}
	next := prev.Clone()
	next.Status = run.StatusFailed
	next.Error = reason
	next.ErrorKind = run.ErrorKindConnectionFailed
	finish(next, now)
	next.Recount()
	return next, true
}
