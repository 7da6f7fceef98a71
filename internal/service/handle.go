package service

import (
	"context"
	"sync"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Handle is the caller's view of one run attempt returned by Registry.Start.
type Handle struct {
	sess *session

	mu    sync.Mutex
	state *run.Run
	done  chan struct{}
}

func newHandle(s *session) *Handle {
	return &Handle{sess: s, done: make(chan struct{})}
}

// SubjectID returns the subject the run belongs to.
func (h *Handle) SubjectID() string { return h.sess.req.SubjectID }

// SessionID returns the id of the transport session.
func (h *Handle) SessionID() string { return h.sess.id }

// State returns the latest snapshot of this attempt.
func (h *Handle) State() *run.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the run is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run is terminal or ctx is done, and returns the
// latest snapshot either way.
func (h *Handle) Wait(ctx context.Context) (*run.Run, error) {
	select {
	case <-h.done:
		return h.State(), nil
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}

// Cancel cancels this attempt. It never affects a later run of the same
// subject and is a no-op once the run is terminal.
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	_ = h.sess.reg.cancelSession(context.Background(), h.sess)
}

func (h *Handle) set(r *run.Run) {
	h.mu.Lock()
	h.state = r
	h.mu.Unlock()
}

func (h *Handle) finish(r *run.Run) {
	h.set(r)
	close(h.done)
}
