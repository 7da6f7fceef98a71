package service

import (
	"log/slog"
	"sync"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// subscription delivers snapshots to one observer on its own goroutine.
// The queue is unbounded so the registry loop never waits on an observer.
type subscription struct {
	id      uint64
	subject string
	fn      Observer

	mu     sync.Mutex
	queue  []*run.Run
	closed bool
	drain  bool
	wake   chan struct{}
}

func newSubscription(id uint64, subject string, fn Observer) *subscription {
	return &subscription{
		id:      id,
		subject: subject,
		fn:      fn,
		wake:    make(chan struct{}, 1),
	}
}

func (s *subscription) push(r *run.Run) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	s.signal()
}

// close stops delivery. With drain set, already queued snapshots are still
// delivered first.
func (s *subscription) close(drain bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.drain = drain
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) deliver(wg *sync.WaitGroup) {
	defer wg.Done()
	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed && !s.drain {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			next := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.call(next)
		}
	}
}

func (s *subscription) call(r *run.Run) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("run observer panicked", "subject_id", r.SubjectID, "panic", p)
		}
	}()
	s.fn(r)
}
