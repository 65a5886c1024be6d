// Package engine executes workflow definitions. One coordinator
// goroutine owns each live execution: it evaluates step readiness over
// the working graph, runs ready steps concurrently, applies retry and
// error policies, expands grafts, and drives saga rollback when the
// execution fails.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/breaker"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/middleware"
	"github.com/gantry-io/gantry/workflow"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg gantry.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMiddleware appends middleware to the step execution pipeline.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.pipeline.Use(mws...) }
}

// WithBreakers replaces the default circuit breaker supervisor.
func WithBreakers(sup *breaker.Supervisor) Option {
	return func(e *Engine) { e.breakers = sup }
}

// Engine owns the workflow registry and the live executions.
type Engine struct {
	registry *workflow.Registry
	store    workflow.Store
	pipeline *middleware.Pipeline
	breakers *breaker.Supervisor
	logger   *slog.Logger
	cfg      gantry.Config

	mu     sync.Mutex
	live   map[string]*coordinator // execution ID -> coordinator
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine over the given store.
func New(store workflow.Store, opts ...Option) *Engine {
	e := &Engine{
		registry: workflow.NewRegistry(),
		store:    store,
		pipeline: middleware.NewPipeline(),
		breakers: breaker.NewSupervisor(),
		logger:   slog.Default(),
		cfg:      gantry.DefaultConfig(),
		live:     make(map[string]*coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the workflow registry.
func (e *Engine) Registry() *workflow.Registry { return e.registry }

// Breakers returns the circuit breaker supervisor.
func (e *Engine) Breakers() *breaker.Supervisor { return e.breakers }

// Register adds a definition to the registry and persists its record.
func (e *Engine) Register(ctx context.Context, def *workflow.Definition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, def.Record()); err != nil {
		return fmt.Errorf("save definition %q: %w", def.Name, err)
	}
	return nil
}

// StartExecution starts a new execution of the latest version of the
// named workflow and returns once it is persisted. The execution runs
// in the background; observe it with Wait or Execution.
func (e *Engine) StartExecution(ctx context.Context, name string, input map[string]any) (*workflow.Execution, error) {
	return e.start(ctx, name, input, nil, workflow.Overrides{})
}

// StartExecutionWith starts an execution with per-run overrides folded
// into the definition's defaults. It satisfies scheduler.Starter.
func (e *Engine) StartExecutionWith(ctx context.Context, name string, input map[string]any, ov workflow.Overrides) (*workflow.Execution, error) {
	return e.start(ctx, name, input, nil, ov)
}

// Run starts an execution and blocks until it reaches a terminal state
// or ctx is done.
func (e *Engine) Run(ctx context.Context, name string, input map[string]any) (*workflow.Execution, error) {
	exec, err := e.StartExecution(ctx, name, input)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, exec.ID)
}

func (e *Engine) start(ctx context.Context, name string, input map[string]any, parentID *id.ExecutionID, ov workflow.Overrides) (*workflow.Execution, error) {
	def, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	def = ov.Apply(def)

	// Refuse before persisting anything, so shutdown never leaves an
	// orphaned pending execution behind.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, gantry.ErrStoreClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	now := time.Now().UTC()
	exec := &workflow.Execution{
		Entity:          gantry.NewEntity(),
		ID:              id.NewExecutionID(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		State:           workflow.ExecPending,
		Context:         make(map[string]any, len(input)),
		ParentID:        parentID,
		StartedAt:       now,
	}
	for k, v := range input {
		exec.Context[k] = v
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.wg.Done()
		return nil, fmt.Errorf("create execution for %q: %w", name, err)
	}

	c := newCoordinator(e, def, exec)

	e.mu.Lock()
	e.live[exec.ID.String()] = c
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		c.run()
		e.mu.Lock()
		delete(e.live, exec.ID.String())
		e.mu.Unlock()
	}()

	return copyExecution(exec), nil
}

// Wait blocks until the execution reaches a terminal state or ctx is
// done, and returns its final persisted form.
func (e *Engine) Wait(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	e.mu.Lock()
	c, live := e.live[execID.String()]
	e.mu.Unlock()

	if live {
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, execID)
}

// Execution returns the persisted execution.
func (e *Engine) Execution(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

// Steps returns the persisted step executions of an execution.
func (e *Engine) Steps(ctx context.Context, execID id.ExecutionID) ([]*workflow.StepExecution, error) {
	return e.store.ListSteps(ctx, execID)
}

// ListExecutions returns persisted executions matching opts.
func (e *Engine) ListExecutions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	return e.store.ListExecutions(ctx, opts)
}

// Cancel requests cancellation of a live execution. Pending steps never
// start; steps already running finish naturally and their results are
// recorded; compensation then runs for every completed step. Cancelling
// a finished execution returns gantry.ErrExecutionDone.
func (e *Engine) Cancel(ctx context.Context, execID id.ExecutionID, reason string) error {
	e.mu.Lock()
	c, live := e.live[execID.String()]
	e.mu.Unlock()

	if !live {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec.State.Terminal() {
			return gantry.ErrExecutionDone
		}
		return gantry.ErrExecutionNotFound
	}

	select {
	case c.cancels <- reason:
		return nil
	case <-c.done:
		return gantry.ErrExecutionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeApproval delivers an approval decision to a step in awaiting
// state. An approved step proceeds (merge is folded into the execution
// context); a rejected one fails with the step's error policy applied.
func (e *Engine) ResumeApproval(ctx context.Context, execID id.ExecutionID, stepName string, approved bool, merge map[string]any) error {
	step, err := e.store.GetStep(ctx, execID, stepName)
	if err != nil {
		return err
	}
	if step.State != workflow.StepAwaiting {
		return fmt.Errorf("step %q in state %q: %w", stepName, step.State, gantry.ErrStepNotAwaiting)
	}

	e.mu.Lock()
	c, live := e.live[execID.String()]
	e.mu.Unlock()
	if !live {
		return gantry.ErrExecutionDone
	}

	select {
	case c.approvals <- approvalEvent{step: stepName, approved: approved, merge: merge}:
		return nil
	case <-c.done:
		return gantry.ErrExecutionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels all live executions and waits for their
// coordinators, up to the configured shutdown timeout.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	coords := make([]*coordinator, 0, len(e.live))
	for _, c := range e.live {
		coords = append(coords, c)
	}
	e.mu.Unlock()

	for _, c := range coords {
		select {
		case c.cancels <- "engine shutdown":
		case <-c.done:
		}
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine shutdown: executions still running after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyExecution(exec *workflow.Execution) *workflow.Execution {
	cp := *exec
	cp.Context = make(map[string]any, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	cp.CompletedSteps = append([]string(nil), exec.CompletedSteps...)
	cp.Rollback = append([]workflow.RollbackResult(nil), exec.Rollback...)
	return &cp
}
