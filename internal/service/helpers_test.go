package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/transport"
)

const waitTimeout = 5 * time.Second

// item is one thing a fake connection yields: a frame or an error.
type item struct {
	data []byte
	err  error
}

// fakeConn is a scripted transport.Conn.
type fakeConn struct {
	items  chan item
	sent   chan any
	closed chan string
	once   sync.Once
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		items:  make(chan item, 64),
		sent:   make(chan any, 8),
		closed: make(chan string, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, v any) error {
	c.sent <- v
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case it := <-c.items:
		return it.data, it.err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() {
		close(c.done)
		c.closed <- reason
	})
	return nil
}

func (c *fakeConn) frame(s string) { c.items <- item{data: []byte(s)} }
func (c *fakeConn) fail(err error) { c.items <- item{err: err} }

// openFrame waits for the open frame the session sends after dialing.
func (c *fakeConn) openFrame(t *testing.T) event.OpenFrame {
	t.Helper()
	select {
	case v := <-c.sent:
		f, ok := v.(event.OpenFrame)
		if !ok {
			t.Fatalf("first frame is %T, want event.OpenFrame", v)
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for open frame")
		return event.OpenFrame{}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-c.closed:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection close")
		return ""
	}
}

// fakeDialer hands out connections in order, or fails every dial when err is
// set. When gate is set, Dial blocks until it is closed or ctx ends.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	gate  chan struct{}
	dials atomic.Int32
	calls chan struct{}
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{conns: conns, calls: make(chan struct{}, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ run.SubjectKind, _ string) (transport.Conn, error) {
	d.dials.Add(1)
	d.calls <- struct{}{}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// startRegistry runs r until the test ends.
func startRegistry(t *testing.T, r *Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("registry did not stop")
		}
	})
	return cancel
}

func waitDone(t *testing.T, h *Handle) *run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v (state %+v)", err, r)
	}
	return r
}

// recorder collects observer snapshots.
type recorder struct {
	ch chan *run.Run
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *run.Run, 256)}
}

func (r *recorder) observe(rn *run.Run) { r.ch <- rn }

// waitFor returns the first snapshot satisfying pred.
func (r *recorder) waitFor(t *testing.T, pred func(*run.Run) bool) *run.Run {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case rn := <-r.ch:
			if pred(rn) {
				return rn
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasStatus(s run.Status) func(*run.Run) bool {
	return func(r *run.Run) bool { return r.Status == s }
}

func agentRequest(subject string) run.StartRequest {
	return run.StartRequest{SubjectID: subject, SubjectKind: run.SubjectAgent, Input: "do the thing"}
}

// fakeArchive records saved runs.
type fakeArchive struct {
	mu    sync.Mutex
	saved chan *run.Run
	runs  map[int64]*run.Run
	err   error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{saved: make(chan *run.Run, 16), runs: make(map[int64]*run.Run)}
}

func (a *fakeArchive) SaveRun(_ context.Context, r *run.Run) error {
	a.mu.Lock()
	a.runs[r.ID] = r
	a.mu.Unlock()
	a.saved <- r
	return nil
}

func (a *fakeArchive) ListRuns(_ context.Context, _ run.SubjectKind, subjectID string, _ int) ([]run.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	out := []run.Run{}
	for _, r := range a.runs {
		if r.SubjectID == subjectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (a *fakeArchive) GetRun(_ context.Context, id int64) (*run.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	r, ok := a.runs[id]
	if !ok {
		return nil, errNotArchived
	}
	return r, nil
}

var errNotArchived = fmt.Errorf("archive: %w", domain.ErrNotFound)

var errTransportClosed = transport.ErrClosed

func errTransportClosedWith(reason string) error {
	return fmt.Errorf("%w: %s", transport.ErrClosed, reason)
}
