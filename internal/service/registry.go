package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/reducer"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/broadcast"
	"github.com/Strob0t/runstream/internal/port/history"
	"github.com/Strob0t/runstream/internal/port/transport"
	"github.com/Strob0t/runstream/internal/resilience"
)

// ErrRegistryStopped is returned by calls made after Registry.Run returned.
var ErrRegistryStopped = errors.New("run registry stopped")

const archiveTimeout = 10 * time.Second

// Observer receives a snapshot after every transition of a subject's run.
// Snapshots are shared and must not be mutated.
type Observer func(r *run.Run)

// RunMetrics records run lifecycle measurements. *otel.Metrics implements it.
type RunMetrics interface {
	RunStarted(ctx context.Context, kind run.SubjectKind)
	StartRejected(ctx context.Context, kind run.SubjectKind)
	EnvelopeApplied(ctx context.Context, kind run.SubjectKind, eventType string)
	ProtocolError(ctx context.Context, kind run.SubjectKind)
	RunFinished(ctx context.Context, r *run.Run)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(context.Context, run.SubjectKind)              {}
func (noopMetrics) StartRejected(context.Context, run.SubjectKind)           {}
func (noopMetrics) EnvelopeApplied(context.Context, run.SubjectKind, string) {}
func (noopMetrics) ProtocolError(context.Context, run.SubjectKind)           {}
func (noopMetrics) RunFinished(context.Context, *run.Run)                    {}

// entry is the registry's record for one subject. Owned by the loop.
type entry struct {
	run  *run.Run
	sess *session // nil once the run is terminal
}

// Registry owns the subject table: at most one non-terminal run per subject,
// each with its own transport session. Every mutation happens on the
// goroutine running Run; public methods submit closures to it.
type Registry struct {
	dialer  transport.Dialer
	token   func() string
	dials   *resilience.Limiter
	archive history.Archive
	metrics RunMetrics
	now     func() time.Time

	ops     chan func()
	stopped chan struct{}
	baseCtx context.Context
	wg      sync.WaitGroup

	// loop-owned
	subjects map[string]*entry
	subs     map[string]map[uint64]*subscription
	nextSub  uint64
	nextRev  uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuthToken sets the token sent in every open frame.
func WithAuthToken(token string) RegistryOption {
	return WithTokenSource(func() string { return token })
}

// WithTokenSource reads the open frame token from fn on every dial, so a
// rotated credential applies to the next run.
func WithTokenSource(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.token = fn
		}
	}
}

// WithArchive saves every terminal run to a.
func WithArchive(a history.Archive) RegistryOption {
	return func(r *Registry) { r.archive = a }
}

// WithMetrics records lifecycle metrics on m.
func WithMetrics(m RunMetrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithMaxConcurrentDials bounds how many sessions may be dialing at once.
// Sessions over the limit wait for a slot; cancelling one while it waits
// ends it like a cancelled dial.
func WithMaxConcurrentDials(n int) RegistryOption {
	return func(r *Registry) { r.dials = resilience.NewLimiter(n) }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry that opens runs through dialer.
// Call Run to start processing.
func NewRegistry(dialer transport.Dialer, opts ...RegistryOption) *Registry {
	r := &Registry{
		dialer:   dialer,
		token:    func() string { return "" },
		metrics:  noopMetrics{},
		now:      time.Now,
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
		baseCtx:  context.Background(),
		subjects: make(map[string]*entry),
		subs:     make(map[string]map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes registry operations until ctx is cancelled. On return every
// active run has been cancelled and every session goroutine has exited.
func (r *Registry) Run(ctx context.Context) error {
	r.baseCtx = ctx
	for {
		select {
		case op := <-r.ops:
			op()
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Registry) shutdown() {
	for subject, e := range r.subjects {
		if e.sess != nil {
			slog.Info("cancelling run on shutdown", "subject_id", subject, "session_id", e.sess.id)
			r.cancelEntry(e)
		}
	}
	for _, byID := range r.subs {
		for _, s := range byID {
			s.close(true)
		}
	}
	close(r.stopped)
	r.wg.Wait()
}

// submit runs fn on the loop and waits for it to finish.
func (r *Registry) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case r.ops <- op:
	case <-r.stopped:
		return ErrRegistryStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post hands fn to the loop without waiting for it to finish. The loop runs
// fn before taking the next operation, so calls from one goroutine run in
// call order. Returns false once the registry has stopped.
func (r *Registry) post(fn func()) bool {
	select {
	case r.ops <- fn:
		return true
	case <-r.stopped:
		return false
	}
}

// Start opens a new run for req.SubjectID. It fails with
// domain.ErrAlreadyRunning, without dialing, while the subject has a
// non-terminal run.
func (r *Registry) Start(ctx context.Context, req run.StartRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		h   *Handle
		err error
	)
	if subErr := r.submit(ctx, func() { h, err = r.start(ctx, req) }); subErr != nil {
		return nil, subErr
	}
	return h, err
}

func (r *Registry) start(ctx context.Context, req run.StartRequest) (*Handle, error) {
	if e, ok := r.subjects[req.SubjectID]; ok && !e.run.Status.IsTerminal() {
		r.metrics.StartRejected(ctx, req.SubjectKind)
		return nil, fmt.Errorf("start %s %s: %w", req.SubjectKind, req.SubjectID, domain.ErrAlreadyRunning)
	}

	requestID := logger.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	rn := run.New(req, r.now())
	r.stamp(rn)
	s := newSession(r, uuid.NewString(), requestID, req)
	e := &entry{run: rn, sess: s}
	r.subjects[req.SubjectID] = e

	r.metrics.RunStarted(s.ctx, req.SubjectKind)
	slog.InfoContext(s.ctx, "run starting")
	r.publish(rn)
	s.handle.set(rn)

	r.wg.Add(1)
	go s.stream()

	return s.handle, nil
}

// Cancel cancels the subject's active run. It is a no-op when the subject
// has no active run. The connection close completes asynchronously.
func (r *Registry) Cancel(ctx context.Context, subjectID string) error {
	return r.submit(ctx, func() {
		if e, ok := r.subjects[subjectID]; ok && e.sess != nil {
			r.cancelEntry(e)
		}
	})
}

// cancelSession cancels s if it is still the subject's active session.
func (r *Registry) cancelSession(ctx context.Context, s *session) error {
	return r.submit(ctx, func() {
		if e := r.current(s); e != nil {
			r.cancelEntry(e)
		}
	})
}

func (r *Registry) cancelEntry(e *entry) {
	s := e.sess
	next, ok := reducer.Cancel(e.run, r.now())
	if !ok {
		return
	}
	slog.InfoContext(s.ctx, "run cancelled")
	r.transition(e, next, "cancelled")
}

// CurrentState returns the latest state of the subject's most recent run,
// or nil when the subject is unknown.
func (r *Registry) CurrentState(ctx context.Context, subjectID string) (*run.Run, error) {
	var out *run.Run
	err := r.submit(ctx, func() {
		if e, ok := r.subjects[subjectID]; ok {
			out = e.run
		}
	})
	return out, err
}

// Subscribe registers fn for every transition of subjectID; an empty
// subjectID observes all subjects. A subject with a known run delivers its
// current state first. fn runs on a dedicated goroutine, in transition order,
// and may call back into the registry.
func (r *Registry) Subscribe(ctx context.Context, subjectID string, fn Observer) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil observer: %w", domain.ErrValidation)
	}
	var sub *subscription
	err := r.submit(ctx, func() {
		r.nextSub++
		sub = newSubscription(r.nextSub, subjectID, fn)
		r.wg.Add(1)
		go sub.deliver(&r.wg)
		byID, ok := r.subs[subjectID]
		if !ok {
			byID = make(map[uint64]*subscription)
			r.subs[subjectID] = byID
		}
		byID[sub.id] = sub

		if subjectID != "" {
			if e, ok := r.subjects[subjectID]; ok {
				sub.push(e.run)
			}
			return
		}
		keys := make([]string, 0, len(r.subjects))
		for k := range r.subjects {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub.push(r.subjects[k].run)
		}
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			sub.close(false)
			r.post(func() {
				if byID, ok := r.subs[sub.subject]; ok {
					delete(byID, sub.id)
					if len(byID) == 0 {
						delete(r.subs, sub.subject)
					}
				}
			})
		})
	}
	return unsubscribe, nil
}

// AddBroadcaster forwards every transition of every subject to b.
func (r *Registry) AddBroadcaster(ctx context.Context, b broadcast.Broadcaster) (func(), error) {
	return r.Subscribe(ctx, "", func(rn *run.Run) {
		b.BroadcastRun(r.baseCtx, rn)
	})
}

// current returns s's entry while s is still the subject's active session.
func (r *Registry) current(s *session) *entry {
	e, ok := r.subjects[s.req.SubjectID]
	if !ok || e.sess != s {
		return nil
	}
	return e
}

// opened is posted by a session once its connection is up and the open
// frame was sent. It reports whether the session is still wanted.
func (r *Registry) opened(s *session, conn transport.Conn) bool {
	e := r.current(s)
	if e == nil {
		return false
	}
	s.conn = conn
	slog.DebugContext(s.ctx, "run stream opened")
	if next, ok := reducer.Opened(e.run, r.now()); ok {
		r.transition(e, next, "opened")
	}
	return true
}

// received is posted by a session for every frame, in receipt order.
func (r *Registry) received(s *session, env event.Envelope, decodeErr error) {
	e := r.current(s)
	if e == nil {
		slog.DebugContext(s.ctx, "envelope for untracked session dropped", "event_type", string(env.Type))
		return
	}
	if decodeErr != nil {
		r.metrics.ProtocolError(s.ctx, s.req.SubjectKind)
		slog.WarnContext(s.ctx, "malformed envelope dropped", "error", decodeErr)
		return
	}

	out := reducer.Apply(e.run, env)
	if out.ProtocolErr != nil {
		r.metrics.ProtocolError(s.ctx, s.req.SubjectKind)
		slog.WarnContext(s.ctx, "protocol error", "event_type", string(env.Type), "run_id", env.RunID, "error", out.ProtocolErr)
	}
	if out.Skipped != "" {
		slog.DebugContext(s.ctx, "envelope skipped", "event_type", string(env.Type), "run_id", env.RunID, "reason", out.Skipped)
	}
	if !out.Applied {
		return
	}
	r.metrics.EnvelopeApplied(s.ctx, s.req.SubjectKind, string(env.Type))
	r.transition(e, out.Run, string(env.Type))
}

// ended is posted by a session when its stream stops without the registry
// asking it to.
func (r *Registry) ended(s *session, err error) {
	e := r.current(s)
	if e == nil {
		return
	}
	reason := connectionLostReason(err)
	slog.WarnContext(s.ctx, "run stream ended before a terminal envelope", "error", err)
	if next, ok := reducer.ConnectionLost(e.run, reason, r.now()); ok {
		r.transition(e, next, "connection_lost")
	}
}

// transition installs next as the subject's state and fans it out. A
// terminal next tears the session down.
func (r *Registry) transition(e *entry, next *run.Run, cause string) {
	r.stamp(next)
	e.run = next
	s := e.sess
	if s != nil {
		s.handle.set(next)
	}
	r.publish(next)

	if !next.Status.IsTerminal() || s == nil {
		return
	}
	e.sess = nil
	slog.InfoContext(s.ctx, "run finished",
		"status", string(next.Status),
		"run_id", next.ID,
		"steps", next.StepsCompleted,
		"cause", cause,
	)
	r.metrics.RunFinished(s.ctx, next)
	s.terminate(next)
	r.archiveRun(next)
}

// stamp must run before rn is shared.
func (r *Registry) stamp(rn *run.Run) {
	r.nextRev++
	rn.Revision = r.nextRev
}

func (r *Registry) publish(rn *run.Run) {
	for _, sub := range r.subs[rn.SubjectID] {
		sub.push(rn)
	}
	if rn.SubjectID == "" {
		return
	}
	for _, sub := range r.subs[""] {
		sub.push(rn)
	}
}

func (r *Registry) archiveRun(rn *run.Run) {
	if r.archive == nil || rn.ID == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), archiveTimeout)
		defer cancel()
		if err := r.archive.SaveRun(ctx, rn); err != nil {
			slog.Warn("archive run failed", "run_id", rn.ID, "subject_id", rn.SubjectID, "error", err)
		}
	}()
}
