package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/gantry-io/gantry/dag"
)

// ErrInvalidDefinition wraps all builder validation failures.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// StepOption configures a single step in the builder.
type StepOption func(*StepSpec)

// DependsOn adds AND-dependencies: every named step must complete
// before this step becomes ready.
func DependsOn(names ...string) StepOption {
	return func(s *StepSpec) { s.DependsOn = append(s.DependsOn, names...) }
}

// DependsOnAny adds OR-dependencies: the step becomes ready as soon as
// one of the named steps completes.
func DependsOnAny(names ...string) StepOption {
	return func(s *StepSpec) { s.DependsOnAny = append(s.DependsOnAny, names...) }
}

// InGroup assigns the step to a named parallel-execution group.
func InGroup(group string) StepOption {
	return func(s *StepSpec) { s.Group = group }
}

// WithTimeout sets a per-step execution deadline.
func WithTimeout(d time.Duration) StepOption {
	return func(s *StepSpec) { s.Timeout = d }
}

// WithRetries sets the retry policy for the step. backoff selects how
// the delay grows between attempts.
func WithRetries(maxRetries int, delay time.Duration, backoff RetryBackoff) StepOption {
	return func(s *StepSpec) {
		s.MaxRetries = maxRetries
		s.RetryDelay = delay
		s.RetryBackoff = backoff
	}
}

// WithRollback registers a compensation invoked during saga rollback if
// the workflow fails after this step completed.
func WithRollback(fn RollbackFunc) StepOption {
	return func(s *StepSpec) { s.Rollback = fn }
}

// If gates the step on a condition evaluated against the execution
// context when dependencies are satisfied. A false result skips the step.
func If(cond Condition) StepOption {
	return func(s *StepSpec) { s.Condition = cond }
}

// AwaitApproval marks the step as requiring an external approval
// decision before it completes.
func AwaitApproval() StepOption {
	return func(s *StepSpec) { s.AwaitApproval = true }
}

// OnError sets the policy applied when the step fails terminally.
func OnError(policy ErrorPolicy) StepOption {
	return func(s *StepSpec) { s.OnError = policy }
}

// WithBreaker gates the step's execution behind the named circuit breaker.
func WithBreaker(name string) StepOption {
	return func(s *StepSpec) { s.Breaker = name }
}

// Builder assembles and validates a workflow Definition. It is the
// programmatic authoring surface: declarations accumulate, and Build
// compiles them into the immutable Definition or fails with a
// descriptive error. A Builder is not safe for concurrent use.
type Builder struct {
	name    string
	version int

	stepOrder []string
	steps     map[string]StepSpec

	trigger  Trigger
	timeout  time.Duration
	tags     []string
	metadata map[string]string

	defaultStepTimeout time.Duration
	defaultMaxRetries  int
	defaultRetryDelay  time.Duration

	onFailure ExecutionHandler
	onSuccess ExecutionHandler
	onCancel  ExecutionHandler

	errs []error
}

// New starts a builder for the named workflow at version 1.
func New(name string) *Builder {
	return &Builder{
		name:    name,
		version: 1,
		steps:   make(map[string]StepSpec),
		trigger: Trigger{Type: TriggerManual},
	}
}

// Version sets the definition version. Registering a new version never
// edits an existing one.
func (b *Builder) Version(v int) *Builder {
	b.version = v
	return b
}

func (b *Builder) addStep(name string, spec StepSpec, opts []StepOption) {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("step with empty name"))
		return
	}
	if _, exists := b.steps[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate step %q", name))
		return
	}
	for _, opt := range opts {
		opt(&spec)
	}
	b.steps[name] = spec
	b.stepOrder = append(b.stepOrder, name)
}

// Step declares an ordinary step executed by the given handler.
func (b *Builder) Step(name string, handler Handler, opts ...StepOption) *Builder {
	if handler == nil {
		b.errs = append(b.errs, fmt.Errorf("step %q has no handler", name))
		return b
	}
	b.addStep(name, StepSpec{Handler: handler}, opts)
	return b
}

// Graft declares a runtime expansion point: when the step runs, fn
// produces additional steps that are inserted into the live execution
// graph with this step as their sole dependency.
func (b *Builder) Graft(name string, fn GraftFunc, opts ...StepOption) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("graft %q has no expansion function", name))
		return b
	}
	b.addStep(name, StepSpec{Graft: fn}, opts)
	return b
}

// Nested declares a step that runs another workflow as a child
// execution, linked to the parent.
func (b *Builder) Nested(name, workflowName string, opts ...StepOption) *Builder {
	if workflowName == "" {
		b.errs = append(b.errs, fmt.Errorf("nested step %q names no workflow", name))
		return b
	}
	b.addStep(name, StepSpec{Workflow: workflowName}, opts)
	return b
}

// Cron schedules executions on a cron expression. tz may be empty for UTC.
func (b *Builder) Cron(expr, tz string) *Builder {
	b.trigger = Trigger{Type: TriggerCron, CronExpr: expr, Timezone: tz}
	return b
}

// Every schedules executions on a fixed interval.
func (b *Builder) Every(interval time.Duration) *Builder {
	b.trigger = Trigger{Type: TriggerInterval, Interval: interval}
	return b
}

// OnEvent schedules executions when the named event fires.
func (b *Builder) OnEvent(event string) *Builder {
	b.trigger = Trigger{Type: TriggerEvent, Event: event}
	return b
}

// Timeout sets a workflow-level execution deadline. When it elapses the
// whole execution fails and saga rollback runs.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// StepDefaults sets the timeout and retry policy applied to steps that
// declare none of their own.
func (b *Builder) StepDefaults(timeout time.Duration, maxRetries int, retryDelay time.Duration) *Builder {
	b.defaultStepTimeout = timeout
	b.defaultMaxRetries = maxRetries
	b.defaultRetryDelay = retryDelay
	return b
}

// Tags attaches free-form tags to the definition.
func (b *Builder) Tags(tags ...string) *Builder {
	b.tags = append(b.tags, tags...)
	return b
}

// Meta attaches a metadata key/value pair to the definition.
func (b *Builder) Meta(key, value string) *Builder {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
	return b
}

// OnFailure registers a handler invoked after the execution fails
// (and after saga rollback has run).
func (b *Builder) OnFailure(h ExecutionHandler) *Builder {
	b.onFailure = h
	return b
}

// OnSuccess registers a handler invoked after the execution completes.
func (b *Builder) OnSuccess(h ExecutionHandler) *Builder {
	b.onSuccess = h
	return b
}

// OnCancel registers a handler invoked after the execution is cancelled.
func (b *Builder) OnCancel(h ExecutionHandler) *Builder {
	b.onCancel = h
	return b
}

// Build compiles the declarations into an immutable Definition.
// It validates that every dependency names a declared step, that the
// derived graph is acyclic, and that every group references declared
// steps; any violation returns an error wrapping ErrInvalidDefinition
// and the definition must not be registered.
func (b *Builder) Build() (*Definition, error) {
	errs := append([]error(nil), b.errs...)

	if b.name == "" {
		errs = append(errs, fmt.Errorf("workflow has no name"))
	}
	if len(b.stepOrder) == 0 {
		errs = append(errs, fmt.Errorf("workflow %q has no steps", b.name))
	}

	graph := dag.New[StepSpec, DepKind]()
	for _, name := range b.stepOrder {
		g, err := graph.AddNode(name, b.steps[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		graph = g
	}

	addEdge := func(step, dep string, kind DepKind) {
		if _, ok := b.steps[dep]; !ok {
			errs = append(errs, fmt.Errorf("step %q depends on undeclared step %q", step, dep))
			return
		}
		g, err := graph.AddEdge(dep, step, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %q: %w", step, err))
			return
		}
		graph = g
	}

	groups := make(map[string][]string)
	for _, name := range b.stepOrder {
		spec := b.steps[name]
		for _, dep := range spec.DependsOn {
			addEdge(name, dep, DepAll)
		}
		for _, dep := range spec.DependsOnAny {
			addEdge(name, dep, DepAny)
		}
		if spec.Group != "" {
			g, err := graph.AddToGroup(spec.Group, name)
			if err != nil {
				errs = append(errs, err)
			} else {
				graph = g
				groups[spec.Group] = append(groups[spec.Group], name)
			}
		}
	}

	var grafts []string
	for _, name := range b.stepOrder {
		if b.steps[name].Graft != nil {
			grafts = append(grafts, name)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidDefinition, b.name, errors.Join(errs...))
	}

	def := &Definition{
		Name:               b.name,
		Version:            b.version,
		Steps:              b.steps,
		Graph:              graph,
		Order:              graph.TopoSort(),
		Groups:             groups,
		Grafts:             grafts,
		Trigger:            b.trigger,
		OnFailure:          b.onFailure,
		OnSuccess:          b.onSuccess,
		OnCancel:           b.onCancel,
		Timeout:            b.timeout,
		DefaultStepTimeout: b.defaultStepTimeout,
		DefaultMaxRetries:  b.defaultMaxRetries,
		DefaultRetryDelay:  b.defaultRetryDelay,
		Tags:               b.tags,
		Metadata:           b.metadata,
	}
	return def, nil
}
