package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/backoff"
	"github.com/gantry-io/gantry/dag"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/middleware"
	"github.com/gantry-io/gantry/workflow"
)

var errApprovalRejected = errors.New("approval rejected")

// stepEvent is the result of one step attempt, delivered by the
// attempt's goroutine to the coordinator loop.
type stepEvent struct {
	step    string
	attempt int
	outcome workflow.Outcome
}

type approvalEvent struct {
	step     string
	approved bool
	merge    map[string]any
}

// coordinator owns one execution. All execution state is mutated only
// from its run loop; step attempts run in their own goroutines and
// communicate results back over the events channel.
type coordinator struct {
	eng  *Engine
	def  *workflow.Definition
	exec *workflow.Execution

	// graph is the working graph: the definition's graph plus any
	// grafted steps inserted at runtime.
	graph *dag.DAG[workflow.StepSpec, workflow.DepKind]

	states   map[string]workflow.StepState
	attempts map[string]int
	records  map[string]*workflow.StepExecution
	approved map[string]bool
	awaited  map[string]bool // steps whose handler returned Await
	inflight map[string]bool // steps with a live attempt goroutine

	// cancelling is set when a cancel request arrives while attempts
	// are still in flight: they finish naturally and their results are
	// recorded before rollback runs.
	cancelling   bool
	cancelReason string

	// completed holds step names in completion order; rollback walks
	// it in reverse.
	completed []string

	events    chan stepEvent
	wakes     chan string
	approvals chan approvalEvent
	cancels   chan string
	done      chan struct{}

	pendingWakes int
	timers       []*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func newCoordinator(eng *Engine, def *workflow.Definition, exec *workflow.Execution) *coordinator {
	ctx := context.Background()
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	c := &coordinator{
		eng:       eng,
		def:       def,
		exec:      exec,
		graph:     def.Graph,
		states:    make(map[string]workflow.StepState, def.Graph.Len()),
		attempts:  make(map[string]int),
		records:   make(map[string]*workflow.StepExecution),
		approved:  make(map[string]bool),
		awaited:   make(map[string]bool),
		inflight:  make(map[string]bool),
		events:    make(chan stepEvent, 16),
		wakes:     make(chan string, 16),
		approvals: make(chan approvalEvent),
		cancels:   make(chan string, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger: eng.logger.With(
			slog.String("workflow", def.Name),
			slog.String("execution_id", exec.ID.String()),
		),
	}
	for _, name := range def.Graph.Nodes() {
		c.states[name] = workflow.StepPending
	}
	return c
}

// run drives the execution to a terminal state. It is the only
// goroutine that touches coordinator state.
func (c *coordinator) run() {
	defer c.cancel()
	defer func() {
		for _, t := range c.timers {
			t.Stop()
		}
	}()

	c.exec.State = workflow.ExecRunning
	c.persistExec()
	c.logger.Info("execution started", slog.Int("steps", c.graph.Len()))

	c.dispatchReady()
	if c.maybeFinish() {
		return
	}

	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case step := <-c.wakes:
			c.pendingWakes--
			c.handleWake(step)
		case ap := <-c.approvals:
			c.handleApproval(ap)
		case reason := <-c.cancels:
			c.beginCancel(reason)
		case <-c.ctx.Done():
			c.finishFailed("", fmt.Errorf("%w after %s", gantry.ErrWorkflowTimeout, c.def.Timeout))
			return
		}
		if c.maybeFinish() {
			return
		}
	}
}

// deliver hands a step result to the loop, dropping it if the
// execution already finished.
func (c *coordinator) deliver(ev stepEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ──────────────────────────────────────────────────
// Readiness and dispatch
// ──────────────────────────────────────────────────

// dispatchReady scans pending steps, skipping those whose dependencies
// can never be satisfied and launching those that are ready. Skips can
// cascade, so the scan repeats until it makes no progress.
func (c *coordinator) dispatchReady() {
	for {
		progressed := false
		for _, name := range c.graph.Nodes() {
			if c.states[name] != workflow.StepPending {
				continue
			}
			ready, skip, reason := c.readiness(name)
			if skip {
				c.markSkipped(name, reason)
				progressed = true
				continue
			}
			if !ready {
				continue
			}

			spec := c.effectiveSpec(name)
			if spec.Condition != nil {
				sc := workflow.NewStepContext(c.exec.ID, name, 0, c.snapshot())
				if !spec.Condition(sc) {
					c.markSkipped(name, "condition not met")
					progressed = true
					continue
				}
			}
			if spec.AwaitApproval && !c.approved[name] {
				c.setStepState(name, workflow.StepAwaiting, "")
				c.logger.Info("step awaiting approval", slog.String("step", name))
				continue
			}
			c.launch(name, spec)
		}
		if !progressed {
			return
		}
	}
}

// readiness decides whether a pending step can run now, must be
// skipped, or has to keep waiting.
func (c *coordinator) readiness(name string) (ready, skip bool, reason string) {
	var anyDeps, allDeps []string
	for _, dep := range c.graph.Dependencies(name) {
		if kind, ok := c.graph.Edge(dep, name); ok && kind == workflow.DepAny {
			anyDeps = append(anyDeps, dep)
		} else {
			allDeps = append(allDeps, dep)
		}
	}

	for _, dep := range allDeps {
		switch c.states[dep] {
		case workflow.StepCompleted:
			// Satisfied.
		case workflow.StepFailed:
			// Only continue-policy failures survive to this point;
			// they count as satisfied.
		case workflow.StepSkipped, workflow.StepCancelled:
			return false, true, fmt.Sprintf("dependency %q %s", dep, c.states[dep])
		default:
			return false, false, ""
		}
	}

	if len(anyDeps) > 0 {
		satisfied := false
		allTerminal := true
		for _, dep := range anyDeps {
			if c.states[dep] == workflow.StepCompleted {
				satisfied = true
				break
			}
			if !c.states[dep].Terminal() {
				allTerminal = false
			}
		}
		if !satisfied {
			if allTerminal {
				return false, true, "no alternative dependency completed"
			}
			return false, false, ""
		}
	}
	return true, false, ""
}

// launch starts one attempt of a step in its own goroutine.
func (c *coordinator) launch(name string, spec workflow.StepSpec) {
	c.attempts[name]++
	attempt := c.attempts[name]

	now := time.Now().UTC()
	rec := c.ensureRecord(name)
	rec.State = workflow.StepRunning
	rec.Attempt = attempt
	rec.Input = c.snapshot()
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.Touch()
	c.persistStep(rec)

	c.states[name] = workflow.StepRunning
	c.inflight[name] = true
	c.exec.CurrentStep = name
	c.persistExec()

	go c.execute(name, spec, attempt, c.snapshot())
}

type attemptResult struct {
	outcome workflow.Outcome
	err     error
}

// execute runs one attempt outside the loop goroutine. Exactly one
// stepEvent is delivered per attempt, even when the step times out and
// its handler is abandoned.
func (c *coordinator) execute(name string, spec workflow.StepSpec, attempt int, input map[string]any) {
	ctx := c.ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	sc := workflow.NewStepContext(c.exec.ID, name, attempt, input)
	inv := &middleware.Invocation{
		ExecutionID: c.exec.ID,
		Workflow:    c.def.Name,
		Step:        name,
		Attempt:     attempt,
	}

	results := make(chan attemptResult, 1)
	go func() {
		var out workflow.Outcome
		call := func(hctx context.Context) error {
			switch {
			case spec.Graft != nil:
				steps, err := spec.Graft(hctx, sc)
				if err != nil {
					out = workflow.Fail(err)
					return err
				}
				out = workflow.Expand(steps...)
			case spec.Workflow != "":
				child, err := c.eng.runChild(hctx, spec.Workflow, input, c.exec.ID)
				if err != nil {
					out = workflow.Fail(err)
					return err
				}
				out = workflow.DoneWith(child.Context)
			default:
				out = spec.Handler(hctx, sc)
			}
			if out.Kind() == workflow.KindFail {
				return out.Err()
			}
			return nil
		}

		run := func(hctx context.Context) error {
			return c.eng.pipeline.Run(hctx, inv, call)
		}

		var err error
		if spec.Breaker != "" {
			err = c.eng.breakers.Get(spec.Breaker).Execute(ctx, run)
		} else {
			err = run(ctx)
		}
		results <- attemptResult{outcome: out, err: err}
	}()

	var out workflow.Outcome
	select {
	case res := <-results:
		out = res.outcome
		if res.err != nil && out.Kind() != workflow.KindFail {
			// Panic, middleware abort, or breaker rejection.
			out = workflow.Fail(res.err)
		}
	case <-ctx.Done():
		out = workflow.Fail(fmt.Errorf("step %q: %w", name, ctx.Err()))
	}
	c.deliver(stepEvent{step: name, attempt: attempt, outcome: out})
}

// ──────────────────────────────────────────────────
// Event handling
// ──────────────────────────────────────────────────

func (c *coordinator) handleEvent(ev stepEvent) {
	// A late result from an abandoned or superseded attempt.
	if c.states[ev.step] != workflow.StepRunning || ev.attempt != c.attempts[ev.step] {
		return
	}
	delete(c.inflight, ev.step)

	if c.cancelling {
		c.settle(ev)
		if len(c.inflight) == 0 {
			c.finishCancelled(c.cancelReason)
		}
		return
	}

	spec := c.effectiveSpec(ev.step)
	switch ev.outcome.Kind() {
	case workflow.KindDone:
		c.completeStep(ev.step, ev.outcome.Merge())
	case workflow.KindSkip:
		c.markSkipped(ev.step, ev.outcome.Reason())
	case workflow.KindAwait:
		c.awaited[ev.step] = true
		c.setStepState(ev.step, workflow.StepAwaiting, "")
		c.logger.Info("step awaiting decision",
			slog.String("step", ev.step),
			slog.Any("options", ev.outcome.Options()),
		)
	case workflow.KindSnooze:
		// Snoozing does not consume an attempt.
		c.attempts[ev.step]--
		c.scheduleWake(ev.step, ev.outcome.Delay())
		c.logger.Info("step snoozed",
			slog.String("step", ev.step),
			slog.Duration("delay", ev.outcome.Delay()),
		)
	case workflow.KindExpand:
		c.expand(ev.step, spec, ev.outcome.Steps())
	case workflow.KindFail:
		c.failStep(ev.step, spec, ev.attempt, ev.outcome.Err())
	}

	if c.exec.State.Terminal() {
		return
	}
	c.dispatchReady()
}

func (c *coordinator) handleWake(name string) {
	if c.exec.State.Terminal() || c.states[name] != workflow.StepRunning {
		return
	}
	c.launch(name, c.effectiveSpec(name))
}

func (c *coordinator) handleApproval(ap approvalEvent) {
	if c.states[ap.step] != workflow.StepAwaiting {
		return
	}

	if !ap.approved {
		spec := c.effectiveSpec(ap.step)
		c.states[ap.step] = workflow.StepRunning // so failStep records the transition
		c.terminalFailure(ap.step, spec, fmt.Errorf("step %q: %w", ap.step, errApprovalRejected))
		if !c.exec.State.Terminal() {
			c.dispatchReady()
		}
		return
	}

	for k, v := range ap.merge {
		c.exec.Context[k] = v
	}

	if c.awaited[ap.step] {
		// The handler already ran and parked the step.
		delete(c.awaited, ap.step)
		c.states[ap.step] = workflow.StepRunning
		c.completeStep(ap.step, nil)
	} else {
		// Approval gate before the handler.
		c.approved[ap.step] = true
		c.states[ap.step] = workflow.StepPending
	}
	c.dispatchReady()
}

// ──────────────────────────────────────────────────
// Step transitions
// ──────────────────────────────────────────────────

func (c *coordinator) completeStep(name string, merge map[string]any) {
	for k, v := range merge {
		c.exec.Context[k] = v
	}

	now := time.Now().UTC()
	rec := c.ensureRecord(name)
	rec.State = workflow.StepCompleted
	rec.Output = merge
	rec.CompletedAt = &now
	rec.Touch()
	c.persistStep(rec)

	c.states[name] = workflow.StepCompleted
	c.completed = append(c.completed, name)
	c.exec.CompletedSteps = append(c.exec.CompletedSteps, name)
	c.persistExec()
	c.logger.Info("step completed", slog.String("step", name))
}

func (c *coordinator) markSkipped(name string, reason string) {
	now := time.Now().UTC()
	rec := c.ensureRecord(name)
	rec.State = workflow.StepSkipped
	rec.Error = reason
	rec.CompletedAt = &now
	rec.Touch()
	c.persistStep(rec)

	c.states[name] = workflow.StepSkipped
	c.logger.Info("step skipped", slog.String("step", name), slog.String("reason", reason))
}

func (c *coordinator) failStep(name string, spec workflow.StepSpec, attempt int, err error) {
	if err == nil {
		err = fmt.Errorf("step %q failed", name)
	}

	if attempt <= spec.MaxRetries {
		delay := retryDelay(spec, attempt, c.retryHorizon(spec))
		rec := c.ensureRecord(name)
		rec.Error = err.Error()
		rec.Touch()
		c.persistStep(rec)

		c.scheduleWake(name, delay)
		c.logger.Warn("step failed, retrying",
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", spec.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		return
	}

	if spec.MaxRetries > 0 {
		err = fmt.Errorf("%w (%d attempts): %w", gantry.ErrMaxRetries, attempt, err)
	}
	c.terminalFailure(name, spec, err)
}

// terminalFailure applies the step's error policy after retries are
// exhausted (or for non-retryable failures).
func (c *coordinator) terminalFailure(name string, spec workflow.StepSpec, err error) {
	switch spec.OnError {
	case workflow.OnErrorSkip:
		c.markSkipped(name, err.Error())
	case workflow.OnErrorContinue:
		now := time.Now().UTC()
		rec := c.ensureRecord(name)
		rec.State = workflow.StepFailed
		rec.Error = err.Error()
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)

		c.states[name] = workflow.StepFailed
		c.logger.Warn("step failed, continuing",
			slog.String("step", name),
			slog.String("error", err.Error()),
		)
	default:
		now := time.Now().UTC()
		rec := c.ensureRecord(name)
		rec.State = workflow.StepFailed
		rec.Error = err.Error()
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)

		c.states[name] = workflow.StepFailed
		c.finishFailed(name, err)
	}
}

// expand inserts grafted steps into the working graph. The grafted
// steps depend on the expansion point (plus any dependencies they
// declare among themselves); an invalid expansion fails the expansion
// point under its error policy.
func (c *coordinator) expand(name string, spec workflow.StepSpec, steps []workflow.GraftStep) {
	next := c.graph
	var err error
	for _, gs := range steps {
		if next.Has(gs.Name) {
			err = fmt.Errorf("graft %q: step %q already exists", name, gs.Name)
			break
		}
		next, err = next.AddNode(gs.Name, gs.Spec)
		if err != nil {
			break
		}
	}
	if err == nil {
		for _, gs := range steps {
			declared := len(gs.Spec.DependsOn) + len(gs.Spec.DependsOnAny)
			if declared == 0 {
				if next, err = next.AddEdge(name, gs.Name, workflow.DepAll); err != nil {
					break
				}
				continue
			}
			for _, dep := range gs.Spec.DependsOn {
				if next, err = next.AddEdge(dep, gs.Name, workflow.DepAll); err != nil {
					break
				}
			}
			if err != nil {
				break
			}
			for _, dep := range gs.Spec.DependsOnAny {
				if next, err = next.AddEdge(dep, gs.Name, workflow.DepAny); err != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		c.terminalFailure(name, spec, fmt.Errorf("expand: %w", err))
		return
	}

	c.graph = next
	for _, gs := range steps {
		c.states[gs.Name] = workflow.StepPending
	}
	c.logger.Info("graft expanded",
		slog.String("step", name),
		slog.Int("added", len(steps)),
	)
	c.completeStep(name, nil)
}

func (c *coordinator) scheduleWake(name string, delay time.Duration) {
	c.pendingWakes++
	t := time.AfterFunc(delay, func() {
		select {
		case c.wakes <- name:
		case <-c.done:
		}
	})
	c.timers = append(c.timers, t)
}

// ──────────────────────────────────────────────────
// Terminal states and rollback
// ──────────────────────────────────────────────────

// maybeFinish completes the execution once nothing is pending, running,
// awaiting, or scheduled to wake.
func (c *coordinator) maybeFinish() bool {
	if c.exec.State.Terminal() {
		// finishFailed or finishCancelled already closed done.
		return true
	}
	if c.cancelling || c.pendingWakes > 0 {
		return false
	}
	for _, state := range c.states {
		if !state.Terminal() {
			return false
		}
	}

	now := time.Now().UTC()
	c.exec.State = workflow.ExecCompleted
	c.exec.CurrentStep = ""
	c.exec.CompletedAt = &now
	c.persistExec()
	close(c.done)

	c.logger.Info("execution completed",
		slog.Duration("elapsed", now.Sub(c.exec.StartedAt)),
	)
	if c.def.OnSuccess != nil {
		c.def.OnSuccess(context.Background(), copyExecution(c.exec))
	}
	return true
}

func (c *coordinator) finishFailed(failedStep string, err error) {
	c.cancel()
	c.abortRemaining()
	c.runRollback()

	now := time.Now().UTC()
	c.exec.State = workflow.ExecFailed
	c.exec.CurrentStep = ""
	c.exec.FailedStep = failedStep
	c.exec.Error = err.Error()
	c.exec.CompletedAt = &now
	c.persistExec()
	close(c.done)

	c.logger.Error("execution failed",
		slog.String("step", failedStep),
		slog.String("error", err.Error()),
	)
	if c.def.OnFailure != nil {
		c.def.OnFailure(context.Background(), copyExecution(c.exec))
	}
}

// beginCancel handles a cancel request. Steps that have not started an
// attempt (pending, awaiting, or waiting on a retry or snooze wake) are
// cancelled immediately; in-flight attempts finish naturally, their
// results are recorded, and only then does rollback run.
func (c *coordinator) beginCancel(reason string) {
	if c.cancelling || c.exec.State.Terminal() {
		return
	}

	now := time.Now().UTC()
	for _, name := range c.graph.Nodes() {
		if c.states[name].Terminal() || c.inflight[name] {
			continue
		}
		c.states[name] = workflow.StepCancelled
		rec := c.ensureRecord(name)
		rec.State = workflow.StepCancelled
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)
	}

	if len(c.inflight) == 0 {
		c.finishCancelled(reason)
		return
	}
	c.cancelling = true
	c.cancelReason = reason
	c.logger.Info("cancellation requested, draining running steps",
		slog.String("reason", reason),
		slog.Int("running", len(c.inflight)),
	)
}

// settle records the final result of a step that was already running
// when cancellation was requested. No retries, no expansion, and no new
// readiness follow from it.
func (c *coordinator) settle(ev stepEvent) {
	switch ev.outcome.Kind() {
	case workflow.KindDone:
		c.completeStep(ev.step, ev.outcome.Merge())
	case workflow.KindSkip:
		c.markSkipped(ev.step, ev.outcome.Reason())
	case workflow.KindFail:
		err := ev.outcome.Err()
		if err == nil {
			err = fmt.Errorf("step %q failed", ev.step)
		}
		now := time.Now().UTC()
		rec := c.ensureRecord(ev.step)
		rec.State = workflow.StepFailed
		rec.Error = err.Error()
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)
		c.states[ev.step] = workflow.StepFailed
	default:
		// Await, snooze, and expand would all start new work.
		now := time.Now().UTC()
		rec := c.ensureRecord(ev.step)
		rec.State = workflow.StepCancelled
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)
		c.states[ev.step] = workflow.StepCancelled
	}
}

func (c *coordinator) finishCancelled(reason string) {
	c.cancel()
	c.abortRemaining()
	c.runRollback()

	now := time.Now().UTC()
	c.exec.State = workflow.ExecCancelled
	c.exec.CurrentStep = ""
	c.exec.Error = reason
	c.exec.CompletedAt = &now
	c.persistExec()
	close(c.done)

	c.logger.Info("execution cancelled", slog.String("reason", reason))
	if c.def.OnCancel != nil {
		c.def.OnCancel(context.Background(), copyExecution(c.exec))
	}
}

// abortRemaining marks every non-terminal step cancelled.
func (c *coordinator) abortRemaining() {
	now := time.Now().UTC()
	for _, name := range c.graph.Nodes() {
		if c.states[name].Terminal() {
			continue
		}
		c.states[name] = workflow.StepCancelled
		rec := c.ensureRecord(name)
		rec.State = workflow.StepCancelled
		rec.CompletedAt = &now
		rec.Touch()
		c.persistStep(rec)
	}
}

// runRollback compensates completed steps in reverse completion order.
// Compensation errors are recorded on the execution but never halt the
// rollback walk.
func (c *coordinator) runRollback() {
	for i := len(c.completed) - 1; i >= 0; i-- {
		name := c.completed[i]
		spec := c.effectiveSpec(name)
		if spec.Rollback == nil {
			continue
		}

		sc := workflow.NewStepContext(c.exec.ID, name, c.attempts[name], c.snapshot())
		result := workflow.RollbackResult{Step: name, RolledBackAt: time.Now().UTC()}
		if err := spec.Rollback(context.Background(), sc); err != nil {
			result.Error = err.Error()
			c.logger.Error("rollback failed",
				slog.String("step", name),
				slog.String("error", err.Error()),
			)
		} else {
			c.logger.Info("rollback completed", slog.String("step", name))
		}
		c.exec.Rollback = append(c.exec.Rollback, result)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// effectiveSpec reads a step's spec from the working graph (grafted
// steps are not in the definition) with definition and engine defaults
// applied.
func (c *coordinator) effectiveSpec(name string) workflow.StepSpec {
	spec, _ := c.graph.Node(name)
	if spec.Timeout == 0 {
		spec.Timeout = c.def.DefaultStepTimeout
	}
	if spec.Timeout == 0 {
		spec.Timeout = c.eng.cfg.DefaultStepTimeout
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = c.def.DefaultMaxRetries
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = c.eng.cfg.DefaultMaxRetries
	}
	if spec.RetryDelay == 0 {
		spec.RetryDelay = c.def.DefaultRetryDelay
	}
	if spec.RetryDelay == 0 {
		spec.RetryDelay = c.eng.cfg.DefaultRetryDelay
	}
	if spec.RetryBackoff == "" {
		spec.RetryBackoff = workflow.BackoffFixed
	}
	if spec.OnError == "" {
		spec.OnError = workflow.OnErrorFail
	}
	return spec
}

// retryHorizon bounds exponential growth: a retry delayed past the
// step or workflow deadline would never run anyway.
func (c *coordinator) retryHorizon(spec workflow.StepSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return c.def.Timeout
}

func retryDelay(spec workflow.StepSpec, attempt int, horizon time.Duration) time.Duration {
	base := spec.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	if spec.RetryBackoff == workflow.BackoffExponential {
		return backoff.NewExponential(base, horizon).Delay(attempt)
	}
	return backoff.NewFixed(base).Delay(attempt)
}

func (c *coordinator) snapshot() map[string]any {
	cp := make(map[string]any, len(c.exec.Context))
	for k, v := range c.exec.Context {
		cp[k] = v
	}
	return cp
}

func (c *coordinator) setStepState(name string, state workflow.StepState, errMsg string) {
	c.states[name] = state
	rec := c.ensureRecord(name)
	rec.State = state
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.Touch()
	c.persistStep(rec)
}

func (c *coordinator) ensureRecord(name string) *workflow.StepExecution {
	rec, ok := c.records[name]
	if !ok {
		rec = &workflow.StepExecution{
			Entity:      gantry.NewEntity(),
			ExecutionID: c.exec.ID,
			StepName:    name,
			State:       workflow.StepPending,
		}
		c.records[name] = rec
		if err := c.eng.store.CreateStep(context.Background(), rec); err != nil {
			c.logger.Error("create step record error",
				slog.String("step", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec
}

func (c *coordinator) persistStep(rec *workflow.StepExecution) {
	if err := c.eng.store.UpdateStep(context.Background(), rec); err != nil {
		c.logger.Error("update step record error",
			slog.String("step", rec.StepName),
			slog.String("error", err.Error()),
		)
	}
}

func (c *coordinator) persistExec() {
	c.exec.Touch()
	if err := c.eng.store.UpdateExecution(context.Background(), c.exec); err != nil {
		c.logger.Error("update execution error", slog.String("error", err.Error()))
	}
}

// runChild starts a nested execution linked to its parent and blocks
// until it reaches a terminal state.
func (e *Engine) runChild(ctx context.Context, name string, input map[string]any, parent id.ExecutionID) (*workflow.Execution, error) {
	exec, err := e.start(ctx, name, input, &parent, workflow.Overrides{})
	if err != nil {
		return nil, fmt.Errorf("start child workflow %q: %w", name, err)
	}
	final, err := e.Wait(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	switch final.State {
	case workflow.ExecCompleted:
		return final, nil
	case workflow.ExecCancelled:
		return nil, fmt.Errorf("child workflow %q cancelled: %s", name, final.Error)
	default:
		return nil, fmt.Errorf("child workflow %q failed: %s", name, final.Error)
	}
}
