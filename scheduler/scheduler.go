// Package scheduler turns job definitions into workflow executions.
// It ticks on an interval, and on every tick the current leader scans
// for due jobs and dispatches them. Per-job locks and a dispatch dedup
// window keep a job from double-firing even across leader changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/election"
	"github.com/gantry-io/gantry/workflow"
)

// Starter launches a workflow execution with the job's per-run
// overrides. The engine's StartExecutionWith satisfies it; tests
// substitute a fake.
type Starter func(ctx context.Context, workflowName string, input map[string]any, ov workflow.Overrides) (*workflow.Execution, error)

const (
	defaultTickInterval = time.Second
	defaultLockTTL      = 30 * time.Second
	defaultBatchSize    = 100
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithElector gates dispatch on leadership. Without an elector every
// instance dispatches, which is only safe single-node.
func WithElector(e election.Elector) Option {
	return func(s *Scheduler) { s.elector = e }
}

// WithNode sets the node name used as the job lock holder.
func WithNode(node string) Option {
	return func(s *Scheduler) { s.node = node }
}

// WithTickInterval sets how often due jobs are scanned.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLockTTL sets how long a per-job dispatch lock is held before it
// expires on its own.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithBatchSize caps how many due jobs one tick dispatches.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batch = n }
}

// WithRateLimit caps dispatches per second across all jobs.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns the tick loop. One Scheduler per process; run several
// processes against a shared store and elector for high availability.
type Scheduler struct {
	store   Store
	start   Starter
	elector election.Elector
	limiter *rate.Limiter
	logger  *slog.Logger

	node    string
	tick    time.Duration
	lockTTL time.Duration
	batch   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler over the given store. start is invoked for
// every dispatched job.
func New(store Store, start Starter, opts ...Option) *Scheduler {
	node, _ := os.Hostname()
	if node == "" {
		node = "scheduler"
	}
	s := &Scheduler{
		store:   store,
		start:   start,
		logger:  slog.Default(),
		node:    node,
		tick:    defaultTickInterval,
		lockTTL: defaultLockTTL,
		batch:   defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler", "node", s.node)
	return s
}

// AddJob registers a job binding the definition's trigger to the
// workflow and persists it.
func (s *Scheduler) AddJob(ctx context.Context, name string, def *workflow.Definition, input map[string]any) (*Job, error) {
	j, err := NewJob(name, def, input)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job added", "job", name, "workflow", def.Name, "trigger", def.Trigger.Type)
	return j, nil
}

// RemoveJob deletes the named job.
func (s *Scheduler) RemoveJob(ctx context.Context, name string) error {
	j, err := s.store.GetJobByName(ctx, name)
	if err != nil {
		return err
	}
	return s.store.DeleteJob(ctx, j.ID)
}

// SetEnabled enables or disables the named job. Enabling recomputes
// the next run time so a long-disabled job does not fire immediately
// for every missed slot.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	j, err := s.store.GetJobByName(ctx, name)
	if err != nil {
		return err
	}
	j.Enabled = enabled
	if enabled {
		next, err := j.ComputeNextRun(time.Now().UTC())
		if err != nil {
			return err
		}
		j.NextRunAt = next
	}
	j.Touch()
	return s.store.UpdateJob(ctx, j)
}

// Jobs returns all registered jobs.
func (s *Scheduler) Jobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	if s.elector != nil {
		if err := s.elector.Start(ctx); err != nil {
			s.running = false
			return fmt.Errorf("start elector: %w", err)
		}
	}

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started", "tick", s.tick)
	return nil
}

// Stop halts the tick loop and resigns leadership.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	if s.elector != nil {
		if err := s.elector.Stop(ctx); err != nil {
			return fmt.Errorf("stop elector: %w", err)
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.elector != nil && !s.elector.IsLeader() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.tick*2+s.lockTTL)
			s.dispatchDue(ctx)
			cancel()
		}
	}
}

// dispatchDue fires every due job once, a few in parallel. Each job is
// guarded by its own lock so a slow dispatch on one leader does not
// race a takeover.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueJobs(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("list due jobs", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, j := range due {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			if err := s.fire(gctx, j, j.Input, now, true); err != nil {
				s.logger.Error("dispatch job", "job", j.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunNow dispatches the named job immediately, regardless of its
// schedule or enabled flag. Uniqueness suppression still applies.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*workflow.Execution, error) {
	j, err := s.store.GetJobByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, j, j.Input, time.Now().UTC())
}

// HandleEvent dispatches every enabled event-triggered job listening
// for the named event. The payload is merged over each job's static
// input. It returns how many jobs fired.
func (s *Scheduler) HandleEvent(ctx context.Context, event string, payload map[string]any) (int, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, j := range jobs {
		if !j.Enabled || j.Trigger.Type != workflow.TriggerEvent || j.Trigger.Event != event {
			continue
		}
		input := mergeInput(j.Input, payload)
		if err := s.fire(ctx, j, input, time.Now().UTC(), false); err != nil {
			s.logger.Error("dispatch event job", "job", j.Name, "event", event, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

// fire locks the job, dispatches it, and advances its schedule. A lost
// lock race or a dedup hit is not an error: the fire is simply dropped,
// though the schedule still advances so the job does not stay due.
func (s *Scheduler) fire(ctx context.Context, j *Job, input map[string]any, now time.Time, advance bool) error {
	ok, err := s.store.AcquireJobLock(ctx, j.ID, s.node, s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if relErr := s.store.ReleaseJobLock(ctx, j.ID, s.node); relErr != nil {
			s.logger.Warn("release job lock", "job", j.Name, "error", relErr)
		}
	}()

	if _, err := s.dispatch(ctx, j, input, now); err != nil && !errors.Is(err, errDeduplicated) {
		// Advance the schedule even on failure so a broken job does
		// not hot-loop on every tick.
		if advance {
			s.advance(ctx, j, now)
		}
		return err
	}
	if advance {
		return s.advance(ctx, j, now)
	}
	return nil
}

var errDeduplicated = errors.New("dispatch suppressed by uniqueness window")

func (s *Scheduler) dispatch(ctx context.Context, j *Job, input map[string]any, now time.Time) (*workflow.Execution, error) {
	if j.Unique {
		window := j.UniquePeriod
		if window <= 0 {
			window = s.tick
		}
		recent, err := s.store.RecentlyDispatched(ctx, j.DedupKey(), window)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if recent {
			s.logger.Debug("dispatch suppressed", "job", j.Name, "key", j.DedupKey())
			return nil, errDeduplicated
		}
	}

	exec, err := s.start(ctx, j.Workflow, input, j.Overrides())
	if err != nil {
		if errors.Is(err, gantry.ErrWorkflowNotFound) {
			s.logger.Warn("job references unknown workflow", "job", j.Name, "workflow", j.Workflow)
		}
		return nil, fmt.Errorf("start workflow %q: %w", j.Workflow, err)
	}
	if j.Unique {
		if err := s.store.RecordDispatch(ctx, j.DedupKey(), now); err != nil {
			s.logger.Warn("record dispatch", "job", j.Name, "error", err)
		}
	}
	s.logger.Info("job dispatched", "job", j.Name, "workflow", j.Workflow, "execution_id", exec.ID)
	return exec, nil
}

func (s *Scheduler) advance(ctx context.Context, j *Job, now time.Time) error {
	next, err := j.ComputeNextRun(now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	j.LastRunAt = &now
	j.NextRunAt = next
	j.Touch()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func mergeInput(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
