// Package workflow defines workflow definitions, step specifications,
// executions, the fluent builder, the versioned registry, and the
// workflow store interface.
package workflow

import (
	"context"
	"time"

	"github.com/gantry-io/gantry/dag"
)

// Handler executes a step and reports its result as an Outcome.
type Handler func(ctx context.Context, sc *StepContext) Outcome

// RollbackFunc compensates a completed step during saga rollback.
// It receives the execution context as of the step's completion.
type RollbackFunc func(ctx context.Context, sc *StepContext) error

// Condition gates step readiness. A false result skips the step.
type Condition func(sc *StepContext) bool

// GraftFunc produces runtime steps at a graft expansion point.
type GraftFunc func(ctx context.Context, sc *StepContext) ([]GraftStep, error)

// ExecutionHandler observes a terminal execution (success, failure,
// or cancel hooks on the definition).
type ExecutionHandler func(ctx context.Context, exec *Execution)

// RetryBackoff selects how retry delays grow between attempts.
type RetryBackoff string

const (
	// BackoffFixed keeps the retry delay constant.
	BackoffFixed RetryBackoff = "fixed"
	// BackoffExponential doubles the retry delay each attempt.
	BackoffExponential RetryBackoff = "exponential"
)

// ErrorPolicy decides how a step's terminal failure affects the workflow.
type ErrorPolicy string

const (
	// OnErrorFail propagates the failure to the workflow and triggers
	// saga rollback. This is the default.
	OnErrorFail ErrorPolicy = "fail"
	// OnErrorSkip marks the step skipped; OR-dependents may still proceed.
	OnErrorSkip ErrorPolicy = "skip"
	// OnErrorContinue records the failure but does not block the rest
	// of the graph.
	OnErrorContinue ErrorPolicy = "continue"
)

// TriggerType identifies how executions of a workflow are started.
type TriggerType string

const (
	// TriggerManual workflows start only via explicit calls.
	TriggerManual TriggerType = "manual"
	// TriggerCron workflows start on a cron schedule.
	TriggerCron TriggerType = "cron"
	// TriggerInterval workflows start on a fixed interval.
	TriggerInterval TriggerType = "interval"
	// TriggerEvent workflows start when a named event fires.
	TriggerEvent TriggerType = "event"
)

// Trigger describes when the scheduler starts executions of a workflow.
type Trigger struct {
	Type     TriggerType   `json:"type"`
	CronExpr string        `json:"cron_expression,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Event    string        `json:"event,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// DepKind labels a dependency edge: an AND requirement or an OR
// alternative.
type DepKind string

const (
	// DepAll marks a depends-on edge: the dependency must complete.
	DepAll DepKind = "all"
	// DepAny marks a depends-on-any edge: one of the step's DepAny
	// edges completing is enough.
	DepAny DepKind = "any"
)

// StepSpec is the frozen specification of one step. Exactly one of
// Handler, Graft, or Workflow drives the step's work: Handler for an
// ordinary step, Graft for a runtime expansion point, Workflow for a
// nested workflow reference.
type StepSpec struct {
	Handler  Handler
	Graft    GraftFunc
	Workflow string

	DependsOn    []string
	DependsOnAny []string
	Group        string

	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff RetryBackoff

	Rollback      RollbackFunc
	Condition     Condition
	AwaitApproval bool
	OnError       ErrorPolicy

	// Breaker names the circuit breaker gating this step's execution.
	// Empty means no breaker.
	Breaker string
}

// Definition is a compiled, immutable workflow: the frozen contract the
// engine walks. Build one with the Builder; a new version is a new
// value, never an in-place edit.
type Definition struct {
	Name    string
	Version int

	Steps  map[string]StepSpec
	Graph  *dag.DAG[StepSpec, DepKind]
	Order  []string // topological execution order
	Groups map[string][]string
	Grafts []string // step names that are graft expansion points

	Trigger Trigger

	OnFailure ExecutionHandler
	OnSuccess ExecutionHandler
	OnCancel  ExecutionHandler

	// Workflow-level execution deadline. Zero means none.
	Timeout time.Duration

	// Defaults applied to steps that declare no policy of their own.
	DefaultStepTimeout time.Duration
	DefaultMaxRetries  int
	DefaultRetryDelay  time.Duration

	Tags     []string
	Metadata map[string]string
}

// Overrides adjusts a definition's execution defaults for a single run.
// Zero values defer to the definition. Scheduled jobs carry these so a
// job can tighten or relax retry and deadline policy without a new
// workflow version.
type Overrides struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool { return o == Overrides{} }

// Apply returns a definition with the overrides folded into its
// defaults. The receiver definition is never mutated.
func (o Overrides) Apply(def *Definition) *Definition {
	if o.IsZero() {
		return def
	}
	d := *def
	if o.Timeout > 0 {
		d.Timeout = o.Timeout
	}
	if o.MaxRetries > 0 {
		d.DefaultMaxRetries = o.MaxRetries
	}
	if o.RetryDelay > 0 {
		d.DefaultRetryDelay = o.RetryDelay
	}
	return &d
}

// SpecFor returns the effective spec for a step with definition-level
// defaults applied.
func (d *Definition) SpecFor(name string) (StepSpec, bool) {
	spec, ok := d.Steps[name]
	if !ok {
		return StepSpec{}, false
	}
	if spec.Timeout == 0 {
		spec.Timeout = d.DefaultStepTimeout
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = d.DefaultMaxRetries
	}
	if spec.RetryDelay == 0 {
		spec.RetryDelay = d.DefaultRetryDelay
	}
	if spec.RetryBackoff == "" {
		spec.RetryBackoff = BackoffFixed
	}
	if spec.OnError == "" {
		spec.OnError = OnErrorFail
	}
	return spec, true
}
