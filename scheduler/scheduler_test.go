package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gantry-io/gantry/election"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/scheduler"
	"github.com/gantry-io/gantry/store/memory"
	"github.com/gantry-io/gantry/workflow"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStarter counts dispatches and records the inputs and overrides
// it saw.
type fakeStarter struct {
	mu        sync.Mutex
	count     atomic.Int32
	inputs    []map[string]any
	overrides []workflow.Overrides
}

func (f *fakeStarter) start(ctx context.Context, name string, input map[string]any, ov workflow.Overrides) (*workflow.Execution, error) {
	f.count.Add(1)
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.overrides = append(f.overrides, ov)
	f.mu.Unlock()
	return &workflow.Execution{ID: id.NewExecutionID(), WorkflowName: name, State: workflow.ExecPending}, nil
}

func buildDef(t *testing.T, b *workflow.Builder) *workflow.Definition {
	t.Helper()
	def, err := b.Step("noop", func(ctx context.Context, sc *workflow.StepContext) workflow.Outcome {
		return workflow.Done()
	}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func TestAddJobComputesNextRun(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start, scheduler.WithLogger(discard()))

	def := buildDef(t, workflow.New("sync").Every(time.Minute))
	j, err := sched.AddJob(context.Background(), "sync-hourly", def, nil)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if j.NextRunAt == nil {
		t.Fatal("interval job has no next run time")
	}
	if got := time.Until(*j.NextRunAt); got < 50*time.Second || got > 70*time.Second {
		t.Fatalf("next run in %v, want ~1m", got)
	}

	manual := buildDef(t, workflow.New("oneoff"))
	mj, err := sched.AddJob(context.Background(), "oneoff", manual, nil)
	if err != nil {
		t.Fatalf("AddJob manual: %v", err)
	}
	if mj.NextRunAt != nil {
		t.Fatal("manual job should have no next run time")
	}
}

func TestIntervalJobFires(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start,
		scheduler.WithLogger(discard()),
		scheduler.WithTickInterval(5*time.Millisecond),
	)

	def := buildDef(t, workflow.New("poll").Every(time.Millisecond))
	if _, err := sched.AddJob(context.Background(), "poll", def, map[string]any{"source": "s3"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	waitFor(t, func() bool { return fs.count.Load() >= 2 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.inputs[0]["source"] != "s3" {
		t.Fatalf("input = %v", fs.inputs[0])
	}
}

func TestScheduleAdvancesAfterFire(t *testing.T) {
	fs := &fakeStarter{}
	store := memory.New()
	sched := scheduler.New(store, fs.start,
		scheduler.WithLogger(discard()),
		scheduler.WithTickInterval(5*time.Millisecond),
	)

	def := buildDef(t, workflow.New("report").Every(time.Hour))
	j, err := sched.AddJob(context.Background(), "report", def, nil)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	// Force the job due now.
	past := time.Now().UTC().Add(-time.Second)
	j.NextRunAt = &past
	if err := store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	waitFor(t, func() bool { return fs.count.Load() >= 1 })
	waitFor(t, func() bool {
		got, err := store.GetJobByName(context.Background(), "report")
		return err == nil && got.LastRunAt != nil && got.NextRunAt != nil && got.NextRunAt.After(time.Now())
	})

	// An hourly job must not fire again within the test window.
	time.Sleep(30 * time.Millisecond)
	if fs.count.Load() != 1 {
		t.Fatalf("dispatches = %d, want 1", fs.count.Load())
	}
}

func TestDisabledJobDoesNotFire(t *testing.T) {
	fs := &fakeStarter{}
	store := memory.New()
	sched := scheduler.New(store, fs.start,
		scheduler.WithLogger(discard()),
		scheduler.WithTickInterval(5*time.Millisecond),
	)

	def := buildDef(t, workflow.New("poll").Every(time.Millisecond))
	if _, err := sched.AddJob(context.Background(), "poll", def, nil); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := sched.SetEnabled(context.Background(), "poll", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	time.Sleep(40 * time.Millisecond)
	if fs.count.Load() != 0 {
		t.Fatalf("disabled job fired %d times", fs.count.Load())
	}
}

func TestFollowerDoesNotDispatch(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start,
		scheduler.WithLogger(discard()),
		scheduler.WithTickInterval(5*time.Millisecond),
		scheduler.WithElector(stubElector{leader: false}),
	)

	def := buildDef(t, workflow.New("poll").Every(time.Millisecond))
	if _, err := sched.AddJob(context.Background(), "poll", def, nil); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	time.Sleep(40 * time.Millisecond)
	if fs.count.Load() != 0 {
		t.Fatalf("follower dispatched %d times", fs.count.Load())
	}
}

func TestRunNow(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start, scheduler.WithLogger(discard()))

	def := buildDef(t, workflow.New("oneoff"))
	if _, err := sched.AddJob(context.Background(), "oneoff", def, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	exec, err := sched.RunNow(context.Background(), "oneoff")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if exec == nil || exec.WorkflowName != "oneoff" {
		t.Fatalf("exec = %+v", exec)
	}
	if fs.count.Load() != 1 {
		t.Fatalf("dispatches = %d", fs.count.Load())
	}
}

func TestUniqueSuppressionWindow(t *testing.T) {
	fs := &fakeStarter{}
	store := memory.New()
	sched := scheduler.New(store, fs.start, scheduler.WithLogger(discard()))

	def := buildDef(t, workflow.New("dedup"))
	j, err := sched.AddJob(context.Background(), "dedup", def, nil)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	j.Unique = true
	j.UniquePeriod = time.Hour
	if err := store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if _, err := sched.RunNow(context.Background(), "dedup"); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	if _, err := sched.RunNow(context.Background(), "dedup"); err == nil {
		t.Fatal("second RunNow inside the window should be suppressed")
	}
	if fs.count.Load() != 1 {
		t.Fatalf("dispatches = %d, want 1", fs.count.Load())
	}
}

func TestJobOverridesReachStarter(t *testing.T) {
	fs := &fakeStarter{}
	store := memory.New()
	sched := scheduler.New(store, fs.start, scheduler.WithLogger(discard()))

	def := buildDef(t, workflow.New("ingest"))
	j, err := sched.AddJob(context.Background(), "ingest", def, nil)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	j.MaxRetries = 5
	j.RetryDelay = 2 * time.Second
	j.Timeout = time.Minute
	if err := store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if _, err := sched.RunNow(context.Background(), "ingest"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	want := workflow.Overrides{MaxRetries: 5, RetryDelay: 2 * time.Second, Timeout: time.Minute}
	if fs.overrides[0] != want {
		t.Fatalf("overrides = %+v, want %+v", fs.overrides[0], want)
	}
}

func TestHandleEvent(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start, scheduler.WithLogger(discard()))

	onOrder := buildDef(t, workflow.New("fulfil").OnEvent("order.created"))
	onRefund := buildDef(t, workflow.New("refund").OnEvent("order.refunded"))
	if _, err := sched.AddJob(context.Background(), "fulfil", onOrder, map[string]any{"queue": "std"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := sched.AddJob(context.Background(), "refund", onRefund, nil); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	fired, err := sched.HandleEvent(context.Background(), "order.created", map[string]any{"order": "ord_7"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if fs.count.Load() != 1 {
		t.Fatalf("dispatches = %d", fs.count.Load())
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	in := fs.inputs[0]
	if in["queue"] != "std" || in["order"] != "ord_7" {
		t.Fatalf("event input = %v", in)
	}
}

func TestRemoveJob(t *testing.T) {
	fs := &fakeStarter{}
	sched := scheduler.New(memory.New(), fs.start, scheduler.WithLogger(discard()))

	def := buildDef(t, workflow.New("temp"))
	if _, err := sched.AddJob(context.Background(), "temp", def, nil); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := sched.RemoveJob(context.Background(), "temp"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := sched.RunNow(context.Background(), "temp"); err == nil {
		t.Fatal("RunNow on removed job should fail")
	}
}

type stubElector struct{ leader bool }

func (s stubElector) Start(ctx context.Context) error { return nil }
func (s stubElector) Stop(ctx context.Context) error  { return nil }
func (s stubElector) IsLeader() bool                  { return s.leader }
func (s stubElector) Leader(ctx context.Context) (string, error) {
	return "", nil
}
func (s stubElector) Peers(ctx context.Context) ([]*election.Peer, error) { return nil, nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
