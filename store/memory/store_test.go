package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/scheduler"
	"github.com/gantry-io/gantry/workflow"
)

func newExecution(name string) *workflow.Execution {
	return &workflow.Execution{
		Entity:       gantry.NewEntity(),
		ID:           id.NewExecutionID(),
		WorkflowName: name,
		State:        workflow.ExecPending,
		Context:      map[string]any{"region": "us-east-1"},
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	exec := newExecution("order-pipeline")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecution(ctx, exec); !errors.Is(err, gantry.ErrExecutionExists) {
		t.Fatalf("duplicate CreateExecution = %v, want ErrExecutionExists", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.WorkflowName != "order-pipeline" || got.State != workflow.ExecPending {
		t.Fatalf("got %+v", got)
	}

	got.State = workflow.ExecRunning
	got.CompletedSteps = append(got.CompletedSteps, "reserve")
	if err := s.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	again, _ := s.GetExecution(ctx, exec.ID)
	if again.State != workflow.ExecRunning || len(again.CompletedSteps) != 1 {
		t.Fatalf("update lost: %+v", again)
	}

	if _, err := s.GetExecution(ctx, id.NewExecutionID()); !errors.Is(err, gantry.ErrExecutionNotFound) {
		t.Fatalf("missing GetExecution = %v", err)
	}
}

func TestExecutionCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	exec := newExecution("wf")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, _ := s.GetExecution(ctx, exec.ID)
	got.Context["region"] = "mutated"
	got.State = workflow.ExecFailed

	fresh, _ := s.GetExecution(ctx, exec.ID)
	if fresh.Context["region"] != "us-east-1" || fresh.State != workflow.ExecPending {
		t.Fatalf("stored execution mutated through returned copy: %+v", fresh)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CreateExecution(ctx, newExecution("alpha")); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}
	beta := newExecution("beta")
	beta.State = workflow.ExecCompleted
	if err := s.CreateExecution(ctx, beta); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.ListExecutions(ctx, workflow.ListOpts{WorkflowName: "alpha"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("alpha executions = %d, want 3", len(got))
	}

	got, _ = s.ListExecutions(ctx, workflow.ListOpts{State: workflow.ExecCompleted})
	if len(got) != 1 || got[0].WorkflowName != "beta" {
		t.Fatalf("completed executions = %+v", got)
	}

	got, _ = s.ListExecutions(ctx, workflow.ListOpts{Limit: 2})
	if len(got) != 2 {
		t.Fatalf("limited executions = %d, want 2", len(got))
	}
}

func TestStepLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	execID := id.NewExecutionID()
	for _, name := range []string{"reserve", "charge"} {
		step := &workflow.StepExecution{
			Entity:      gantry.NewEntity(),
			ExecutionID: execID,
			StepName:    name,
			State:       workflow.StepPending,
		}
		if err := s.CreateStep(ctx, step); err != nil {
			t.Fatalf("CreateStep: %v", err)
		}
	}

	step, err := s.GetStep(ctx, execID, "reserve")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	step.State = workflow.StepCompleted
	step.Attempt = 1
	if err := s.UpdateStep(ctx, step); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}

	steps, err := s.ListSteps(ctx, execID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].StepName != "reserve" || steps[1].StepName != "charge" {
		t.Fatalf("steps out of order: %+v", steps)
	}
	if steps[0].State != workflow.StepCompleted {
		t.Fatalf("update lost: %+v", steps[0])
	}

	if _, err := s.GetStep(ctx, execID, "ghost"); !errors.Is(err, gantry.ErrStepNotFound) {
		t.Fatalf("missing GetStep = %v", err)
	}
}

func TestJobCRUDAndDue(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	early := now.Add(-time.Minute)
	late := now.Add(time.Hour)
	jobs := []*scheduler.Job{
		{Entity: gantry.NewEntity(), ID: id.NewJobID(), Name: "due", Workflow: "wf", Enabled: true, NextRunAt: &early},
		{Entity: gantry.NewEntity(), ID: id.NewJobID(), Name: "later", Workflow: "wf", Enabled: true, NextRunAt: &late},
		{Entity: gantry.NewEntity(), ID: id.NewJobID(), Name: "disabled", Workflow: "wf", Enabled: false, NextRunAt: &early},
	}
	for _, j := range jobs {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.Name, err)
		}
	}

	dup := &scheduler.Job{Entity: gantry.NewEntity(), ID: id.NewJobID(), Name: "due"}
	if err := s.CreateJob(ctx, dup); !errors.Is(err, gantry.ErrJobExists) {
		t.Fatalf("duplicate name CreateJob = %v", err)
	}

	due, err := s.ListDueJobs(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueJobs: %v", err)
	}
	if len(due) != 1 || due[0].Name != "due" {
		t.Fatalf("due jobs = %+v", due)
	}

	byName, err := s.GetJobByName(ctx, "later")
	if err != nil {
		t.Fatalf("GetJobByName: %v", err)
	}
	if err := s.DeleteJob(ctx, byName.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, byName.ID); !errors.Is(err, gantry.ErrJobNotFound) {
		t.Fatalf("deleted GetJob = %v", err)
	}
}

func TestJobLocks(t *testing.T) {
	s := New()
	ctx := context.Background()
	jobID := id.NewJobID()

	got, err := s.AcquireJobLock(ctx, jobID, "node-a", time.Minute)
	if err != nil || !got {
		t.Fatalf("AcquireJobLock = %v, %v", got, err)
	}
	got, _ = s.AcquireJobLock(ctx, jobID, "node-b", time.Minute)
	if got {
		t.Fatal("second holder acquired held lock")
	}
	// Re-entrant for the same holder.
	got, _ = s.AcquireJobLock(ctx, jobID, "node-a", time.Minute)
	if !got {
		t.Fatal("holder could not refresh own lock")
	}

	if err := s.ReleaseJobLock(ctx, jobID, "node-b"); err != nil {
		t.Fatalf("ReleaseJobLock: %v", err)
	}
	got, _ = s.AcquireJobLock(ctx, jobID, "node-b", time.Minute)
	if got {
		t.Fatal("release by non-holder freed the lock")
	}

	if err := s.ReleaseJobLock(ctx, jobID, "node-a"); err != nil {
		t.Fatalf("ReleaseJobLock: %v", err)
	}
	got, _ = s.AcquireJobLock(ctx, jobID, "node-b", time.Minute)
	if !got {
		t.Fatal("lock not acquirable after release")
	}
}

func TestDispatchDedup(t *testing.T) {
	s := New()
	ctx := context.Background()

	recent, err := s.RecentlyDispatched(ctx, "sync-orders", time.Minute)
	if err != nil || recent {
		t.Fatalf("RecentlyDispatched on empty store = %v, %v", recent, err)
	}

	if err := s.RecordDispatch(ctx, "sync-orders", time.Now().UTC()); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	recent, _ = s.RecentlyDispatched(ctx, "sync-orders", time.Minute)
	if !recent {
		t.Fatal("dispatch within window not reported")
	}

	if err := s.RecordDispatch(ctx, "stale", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	recent, _ = s.RecentlyDispatched(ctx, "stale", time.Minute)
	if recent {
		t.Fatal("stale dispatch reported as recent")
	}
}

func TestAdvisoryLocks(t *testing.T) {
	s := New()
	ctx := context.Background()

	got, err := s.AcquireLock(ctx, 42, "node-a")
	if err != nil || !got {
		t.Fatalf("AcquireLock = %v, %v", got, err)
	}
	got, _ = s.AcquireLock(ctx, 42, "node-b")
	if got {
		t.Fatal("contended lock acquired by second holder")
	}

	held, _ := s.VerifyLock(ctx, 42, "node-a")
	if !held {
		t.Fatal("holder failed verification")
	}
	held, _ = s.VerifyLock(ctx, 42, "node-b")
	if held {
		t.Fatal("non-holder passed verification")
	}

	if err := s.ReleaseLock(ctx, 42, "node-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	got, _ = s.AcquireLock(ctx, 42, "node-b")
	if !got {
		t.Fatal("lock not acquirable after release")
	}
}
