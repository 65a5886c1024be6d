package workflow

import (
	"context"
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
)

// DefinitionRecord is the persisted shape of a registered definition.
// Handlers are code, not data, so only the declarative surface is
// stored; it is enough for dashboards and for the scheduler to know
// what triggers exist.
type DefinitionRecord struct {
	gantry.Entity

	Name     string            `json:"name"`
	Version  int               `json:"version"`
	Steps    []string          `json:"steps"`
	Trigger  Trigger           `json:"trigger"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Record converts a definition to its persisted form.
func (d *Definition) Record() *DefinitionRecord {
	rec := &DefinitionRecord{
		Entity:   gantry.NewEntity(),
		Name:     d.Name,
		Version:  d.Version,
		Steps:    append([]string(nil), d.Order...),
		Trigger:  d.Trigger,
		Tags:     append([]string(nil), d.Tags...),
		Metadata: d.Metadata,
	}
	return rec
}

// ListOpts filters and pages execution listings.
type ListOpts struct {
	WorkflowName string
	State        ExecState
	Since        time.Time
	Limit        int
	Offset       int
}

// Store persists workflow definitions, executions, and step executions.
// All methods must be safe for concurrent use. Implementations return
// gantry.ErrExecutionNotFound, gantry.ErrStepNotFound, and friends for
// missing records so callers can branch with errors.Is.
type Store interface {
	// SaveDefinition upserts the persisted form of a definition.
	// Saving the same (name, version) twice overwrites the record.
	SaveDefinition(ctx context.Context, rec *DefinitionRecord) error
	// GetDefinition returns the record for a (name, version) pair.
	GetDefinition(ctx context.Context, name string, version int) (*DefinitionRecord, error)
	// ListDefinitions returns the latest record for every stored workflow.
	ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error)

	// CreateExecution persists a new execution. The execution ID must
	// be unused or gantry.ErrExecutionExists is returned.
	CreateExecution(ctx context.Context, exec *Execution) error
	// GetExecution returns the execution by ID.
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)
	// UpdateExecution overwrites the stored execution.
	UpdateExecution(ctx context.Context, exec *Execution) error
	// ListExecutions returns executions matching opts, most recent first.
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)

	// CreateStep persists a new step execution attempt record.
	CreateStep(ctx context.Context, step *StepExecution) error
	// UpdateStep overwrites the stored step execution.
	UpdateStep(ctx context.Context, step *StepExecution) error
	// GetStep returns the step execution for (execID, stepName).
	GetStep(ctx context.Context, execID id.ExecutionID, stepName string) (*StepExecution, error)
	// ListSteps returns all step executions of an execution in creation order.
	ListSteps(ctx context.Context, execID id.ExecutionID) ([]*StepExecution, error)
}
