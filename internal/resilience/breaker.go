// Package resilience guards calls to the run server: a circuit breaker for
// the history API and a limiter for concurrent stream dials.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's current position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips after maxFailures consecutive failures and rejects calls
// with ErrCircuitOpen for timeout. After that exactly one trial call is let
// through; its outcome closes or re-opens the circuit.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	isFailure   func(error) bool
	onChange    func(from, to State)
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithName labels the breaker in state-change log records.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// WithFailurePredicate decides which errors count as failures. Errors it
// rejects are returned to the caller without affecting the breaker.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange calls fn on every transition. fn runs with the breaker
// locked and must not call back into it.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn if the circuit allows it.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext runs fn with ctx. A failure caused by ctx being cancelled by
// the caller is not held against the remote side.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil:
		// Caller gave up; say nothing about the remote side.
	case b.isFailure(err):
		b.onFailure()
	default:
		b.onSuccess()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.setState(StateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuit breaker state change", "breaker", b.name, "from", b.state.String(), "to", s.String())
	if b.onChange != nil {
		b.onChange(b.state, s)
	}
	b.state = s
}
