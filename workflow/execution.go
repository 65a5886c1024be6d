package workflow

import (
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
)

// ExecState represents the lifecycle state of a workflow execution.
type ExecState string

const (
	// ExecPending means the execution is created but not yet running.
	ExecPending ExecState = "pending"
	// ExecRunning means the execution is currently walking the graph.
	ExecRunning ExecState = "running"
	// ExecCompleted means the execution finished successfully.
	ExecCompleted ExecState = "completed"
	// ExecFailed means the execution failed terminally.
	ExecFailed ExecState = "failed"
	// ExecCancelled means the execution was cancelled before completion.
	ExecCancelled ExecState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// StepState represents the lifecycle state of one step within an execution.
type StepState string

const (
	// StepPending means dependencies are not yet satisfied.
	StepPending StepState = "pending"
	// StepReady means the step may be dispatched.
	StepReady StepState = "ready"
	// StepRunning means the step handler is executing.
	StepRunning StepState = "running"
	// StepCompleted means the step succeeded.
	StepCompleted StepState = "completed"
	// StepFailed means the step failed terminally.
	StepFailed StepState = "failed"
	// StepSkipped means the step was bypassed (condition false, skip
	// outcome, OnError skip, or an unsatisfiable dependency).
	StepSkipped StepState = "skipped"
	// StepCancelled means the step never ran because the execution was
	// cancelled.
	StepCancelled StepState = "cancelled"
	// StepAwaiting means the step is parked for an approval decision.
	StepAwaiting StepState = "awaiting"
)

// Terminal reports whether the step state admits no further transitions.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// RollbackResult records one compensation attempt during saga rollback.
// Rollback outcomes are kept separate from the execution's original
// failure cause.
type RollbackResult struct {
	Step         string    `json:"step"`
	Error        string    `json:"error,omitempty"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}

// Execution is a single run of a workflow. It is created when a trigger
// fires and mutated exclusively by the owning coordinator; once the
// state is terminal it never changes again.
type Execution struct {
	gantry.Entity

	ID              id.ExecutionID `json:"id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion int            `json:"workflow_version"`
	State           ExecState      `json:"state"`

	// Context accumulates step outputs (append-only merge).
	Context map[string]any `json:"context,omitempty"`

	CurrentStep    string   `json:"current_step,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
	FailedStep     string   `json:"failed_step,omitempty"`
	Error          string   `json:"error,omitempty"`

	// Rollback holds compensation records when saga rollback ran.
	Rollback []RollbackResult `json:"rollback,omitempty"`

	ParentID *id.ExecutionID `json:"parent_execution_id,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepExecution is the persisted record of one step within an execution.
// One logical record per step per execution; attempts update it in place.
type StepExecution struct {
	gantry.Entity

	ExecutionID id.ExecutionID `json:"execution_id"`
	StepName    string         `json:"step_name"`
	State       StepState      `json:"state"`
	Attempt     int            `json:"attempt"`

	// Input and Output snapshot the execution context before and after
	// the step ran.
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	Error string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
