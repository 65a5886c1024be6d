package workflow

import "time"

// Kind discriminates the closed set of step results. The engine's
// result handling switches exhaustively over these values.
type Kind int

const (
	// KindDone means the step succeeded. A nil merge map means the
	// step produced no context change.
	KindDone Kind = iota
	// KindFail means the step failed with an error.
	KindFail
	// KindSkip means the step declined to run, with a reason.
	KindSkip
	// KindAwait means the step paused for an external approval decision.
	KindAwait
	// KindExpand means the step produced new steps to graft into the
	// live execution graph.
	KindExpand
	// KindSnooze means the step asked to be re-run after a delay
	// without consuming a retry attempt.
	KindSnooze
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindFail:
		return "fail"
	case KindSkip:
		return "skip"
	case KindAwait:
		return "await"
	case KindExpand:
		return "expand"
	case KindSnooze:
		return "snooze"
	default:
		return "unknown"
	}
}

// GraftStep is a step generated at runtime by a graft expansion.
type GraftStep struct {
	Name string
	Spec StepSpec
}

// Outcome is the tagged result of one step execution attempt.
// Construct one with Done, DoneWith, Fail, Skip, Await, Expand, or
// Snooze; the zero value behaves like Done with no context change.
type Outcome struct {
	kind    Kind
	merge   map[string]any
	err     error
	reason  string
	options []string
	steps   []GraftStep
	delay   time.Duration
}

// Done reports success with no context change.
func Done() Outcome {
	return Outcome{kind: KindDone}
}

// DoneWith reports success and merges the given keys into the
// execution context.
func DoneWith(merge map[string]any) Outcome {
	return Outcome{kind: KindDone, merge: merge}
}

// Fail reports a step error. The retry policy and OnError policy of
// the step decide what happens next.
func Fail(err error) Outcome {
	return Outcome{kind: KindFail, err: err}
}

// Skip declines to run the step, recording a reason.
func Skip(reason string) Outcome {
	return Outcome{kind: KindSkip, reason: reason}
}

// Await pauses the step until an external approval decision arrives.
// The options, if any, describe the choices presented to the approver.
func Await(options ...string) Outcome {
	return Outcome{kind: KindAwait, options: options}
}

// Expand grafts new steps into the live execution graph. The graft
// step becomes their sole dependency.
func Expand(steps ...GraftStep) Outcome {
	return Outcome{kind: KindExpand, steps: steps}
}

// Snooze re-runs the step after the given delay without counting a
// retry attempt.
func Snooze(delay time.Duration) Outcome {
	return Outcome{kind: KindSnooze, delay: delay}
}

// Kind returns the outcome discriminator.
func (o Outcome) Kind() Kind { return o.kind }

// Merge returns the context keys a successful step produced (may be nil).
func (o Outcome) Merge() map[string]any { return o.merge }

// Err returns the failure cause for KindFail outcomes.
func (o Outcome) Err() error { return o.err }

// Reason returns the skip reason for KindSkip outcomes.
func (o Outcome) Reason() string { return o.reason }

// Options returns the approval choices for KindAwait outcomes.
func (o Outcome) Options() []string { return o.options }

// Steps returns the grafted steps for KindExpand outcomes.
func (o Outcome) Steps() []GraftStep { return o.steps }

// Delay returns the snooze duration for KindSnooze outcomes.
func (o Outcome) Delay() time.Duration { return o.delay }
