// Package breaker provides circuit breakers that shed load from
// repeatedly failing step handlers. A breaker moves between three
// states: closed (calls pass through), open (calls are rejected
// immediately), and half-open (a limited number of probe calls decide
// whether the protected resource has recovered).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow and Execute while the breaker rejects calls.
var ErrOpen = errors.New("breaker: open")

// State is the breaker's position in its lifecycle.
type State int

const (
	// Closed passes calls through and counts failures.
	Closed State = iota
	// Open rejects calls until the reset timeout elapses.
	Open
	// HalfOpen admits probe calls to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Classifier decides whether an error counts against the breaker.
// Returning false lets business errors (validation failures, not-found)
// pass without tripping the circuit.
type Classifier func(error) bool

// StateChangeFunc is notified after every state transition.
type StateChangeFunc func(name string, from, to State)

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive classified failures
// open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes
// close the breaker.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithClassifier replaces the default classifier, which counts every
// non-nil error.
func WithClassifier(c Classifier) Option {
	return func(b *Breaker) {
		if c != nil {
			b.classify = c
		}
	}
}

// WithOnStateChange registers a transition callback. It is invoked
// outside the breaker's lock.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	classify         Classifier
	onStateChange    StateChangeFunc

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int // in-flight half-open probe calls
	timer     *time.Timer
	openedAt  time.Time
}

// New returns a closed breaker with the given name.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		resetTimeout:     DefaultResetTimeout,
		classify:         func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open it returns
// ErrOpen, and while half-open it admits at most successThreshold
// concurrent probes. Callers that proceed must report the result with
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return fmt.Errorf("%w: %s, retry after %s", ErrOpen, b.name,
			time.Until(b.openedAt.Add(b.resetTimeout)).Round(time.Millisecond))
	case HalfOpen:
		if b.probes >= b.successThreshold {
			return fmt.Errorf("%w: %s, probe limit reached", ErrOpen, b.name)
		}
		b.probes++
	}
	return nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failures = 0
		b.mu.Unlock()
		return
	case HalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(Closed)
			from, to := HalfOpen, Closed
			b.mu.Unlock()
			b.notify(from, to)
			return
		}
	}
	b.mu.Unlock()
}

// RecordFailure reports a failed call. Errors the classifier rejects
// still free their probe slot but do not count against the breaker.
func (b *Breaker) RecordFailure(err error) {
	counted := b.classify(err)
	b.mu.Lock()
	if b.state == HalfOpen && b.probes > 0 {
		b.probes--
	}
	if !counted {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch b.state {
	case Closed:
		b.failures++
		if b.failures < b.failureThreshold {
			b.mu.Unlock()
			return
		}
		b.transition(Open)
	case HalfOpen:
		// A failing probe trips the breaker again immediately.
		b.transition(Open)
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.notify(from, Open)
}

// Execute runs fn under the breaker: it checks Allow, runs fn, and
// records the outcome. The fn error is returned as-is; a rejected call
// returns ErrOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transition(Closed)
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

// transition moves to the target state and arms or cancels the reset
// timer. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if to == Open {
		b.openedAt = time.Now()
		b.timer = time.AfterFunc(b.resetTimeout, b.halfOpen)
	}
}

// halfOpen fires when the reset timeout elapses.
func (b *Breaker) halfOpen() {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return
	}
	b.transition(HalfOpen)
	b.mu.Unlock()
	b.notify(Open, HalfOpen)
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
