package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/workflow"
)

// SaveDefinition upserts the persisted form of a workflow definition.
func (s *Store) SaveDefinition(ctx context.Context, rec *workflow.DefinitionRecord) error {
	trigger, err := marshalJSON(rec.Trigger)
	if err != nil {
		return fmt.Errorf("gantry/postgres: save definition: %w", err)
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("gantry/postgres: save definition: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_workflows (
			name, version, steps, trigger, tags, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name, version) DO UPDATE SET
			steps = EXCLUDED.steps,
			trigger = EXCLUDED.trigger,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`,
		rec.Name, rec.Version, rec.Steps, trigger, rec.Tags, metadata,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: save definition: %w", err)
	}
	return nil
}

// GetDefinition returns the record for a (name, version) pair.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*workflow.DefinitionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, version, steps, trigger, tags, metadata, created_at, updated_at
		FROM gantry_workflows
		WHERE name = $1 AND version = $2`,
		name, version,
	)
	rec, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, gantry.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("gantry/postgres: get definition: %w", err)
	}
	return rec, nil
}

// ListDefinitions returns the latest record for every stored workflow.
func (s *Store) ListDefinitions(ctx context.Context) ([]*workflow.DefinitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name)
			name, version, steps, trigger, tags, metadata, created_at, updated_at
		FROM gantry_workflows
		ORDER BY name ASC, version DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var recs []*workflow.DefinitionRecord
	for rows.Next() {
		rec, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("gantry/postgres: scan definition: %w", scanErr)
		}
		recs = append(recs, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("gantry/postgres: iterate definitions: %w", err)
	}
	return recs, nil
}

// CreateExecution persists a new execution.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	execCtx, err := marshalJSON(exec.Context)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create execution: %w", err)
	}
	rollback, err := marshalRollback(exec.Rollback)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create execution: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_executions (
			id, workflow_name, workflow_version, state, context,
			current_step, completed_steps, failed_step, error, rollback,
			parent_execution_id, started_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exec.ID, exec.WorkflowName, exec.WorkflowVersion, string(exec.State), execCtx,
		exec.CurrentStep, exec.CompletedSteps, exec.FailedStep, exec.Error, rollback,
		exec.ParentID, exec.StartedAt, exec.CompletedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return gantry.ErrExecutionExists
		}
		return fmt.Errorf("gantry/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, workflow_name, workflow_version, state, context,
			current_step, completed_steps, failed_step, error, rollback,
			parent_execution_id, started_at, completed_at, created_at, updated_at
		FROM gantry_executions
		WHERE id = $1`,
		execID,
	)
	exec, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, gantry.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("gantry/postgres: get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution overwrites the stored execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	execCtx, err := marshalJSON(exec.Context)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update execution: %w", err)
	}
	rollback, err := marshalRollback(exec.Rollback)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update execution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE gantry_executions SET
			state = $2, context = $3, current_step = $4, completed_steps = $5,
			failed_step = $6, error = $7, rollback = $8, completed_at = $9,
			updated_at = NOW()
		WHERE id = $1`,
		exec.ID, string(exec.State), execCtx, exec.CurrentStep, exec.CompletedSteps,
		exec.FailedStep, exec.Error, rollback, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gantry.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions returns executions matching opts, most recent first.
func (s *Store) ListExecutions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	q := `
		SELECT
			id, workflow_name, workflow_version, state, context,
			current_step, completed_steps, failed_step, error, rollback,
			parent_execution_id, started_at, completed_at, created_at, updated_at
		FROM gantry_executions
		WHERE 1=1`
	var args []any
	if opts.WorkflowName != "" {
		args = append(args, opts.WorkflowName)
		q += fmt.Sprintf(" AND workflow_name = $%d", len(args))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		q += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		q += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	q += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*workflow.Execution
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("gantry/postgres: scan execution: %w", scanErr)
		}
		execs = append(execs, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("gantry/postgres: iterate executions: %w", err)
	}
	return execs, nil
}

// CreateStep persists a new step execution record.
func (s *Store) CreateStep(ctx context.Context, step *workflow.StepExecution) error {
	input, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create step: %w", err)
	}
	output, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create step: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_step_executions (
			execution_id, step_name, state, attempt, input, output, error,
			started_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		step.ExecutionID, step.StepName, string(step.State), step.Attempt,
		input, output, step.Error, step.StartedAt, step.CompletedAt,
		step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create step: %w", err)
	}
	return nil
}

// UpdateStep overwrites the stored step execution.
func (s *Store) UpdateStep(ctx context.Context, step *workflow.StepExecution) error {
	input, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update step: %w", err)
	}
	output, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update step: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE gantry_step_executions SET
			state = $3, attempt = $4, input = $5, output = $6, error = $7,
			started_at = $8, completed_at = $9, updated_at = NOW()
		WHERE execution_id = $1 AND step_name = $2`,
		step.ExecutionID, step.StepName, string(step.State), step.Attempt,
		input, output, step.Error, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gantry.ErrStepNotFound
	}
	return nil
}

// GetStep returns the step execution for (execID, stepName).
func (s *Store) GetStep(ctx context.Context, execID id.ExecutionID, stepName string) (*workflow.StepExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			execution_id, step_name, state, attempt, input, output, error,
			started_at, completed_at, created_at, updated_at
		FROM gantry_step_executions
		WHERE execution_id = $1 AND step_name = $2`,
		execID, stepName,
	)
	step, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, gantry.ErrStepNotFound
		}
		return nil, fmt.Errorf("gantry/postgres: get step: %w", err)
	}
	return step, nil
}

// ListSteps returns all step executions of an execution in creation order.
func (s *Store) ListSteps(ctx context.Context, execID id.ExecutionID) ([]*workflow.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			execution_id, step_name, state, attempt, input, output, error,
			started_at, completed_at, created_at, updated_at
		FROM gantry_step_executions
		WHERE execution_id = $1
		ORDER BY seq ASC`,
		execID,
	)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.StepExecution
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("gantry/postgres: scan step: %w", scanErr)
		}
		steps = append(steps, step)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("gantry/postgres: iterate steps: %w", err)
	}
	return steps, nil
}

func scanDefinition(row pgx.Row) (*workflow.DefinitionRecord, error) {
	var (
		rec      workflow.DefinitionRecord
		trigger  []byte
		metadata []byte
	)
	err := row.Scan(
		&rec.Name, &rec.Version, &rec.Steps, &trigger, &rec.Tags, &metadata,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(trigger, &rec.Trigger); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &rec.Metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanExecution(row pgx.Row) (*workflow.Execution, error) {
	var (
		exec     workflow.Execution
		execCtx  []byte
		rollback []byte
		parent   *string
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowName, &exec.WorkflowVersion, &exec.State, &execCtx,
		&exec.CurrentStep, &exec.CompletedSteps, &exec.FailedStep, &exec.Error, &rollback,
		&parent, &exec.StartedAt, &exec.CompletedAt, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(execCtx, &exec.Context); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rollback, &exec.Rollback); err != nil {
		return nil, err
	}
	if parent != nil {
		pid, parseErr := id.ParseExecutionID(*parent)
		if parseErr != nil {
			return nil, fmt.Errorf("parse parent execution id %q: %w", *parent, parseErr)
		}
		exec.ParentID = &pid
	}
	return &exec, nil
}

func scanStep(row pgx.Row) (*workflow.StepExecution, error) {
	var (
		step   workflow.StepExecution
		input  []byte
		output []byte
	)
	err := row.Scan(
		&step.ExecutionID, &step.StepName, &step.State, &step.Attempt,
		&input, &output, &step.Error, &step.StartedAt, &step.CompletedAt,
		&step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &step.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &step.Output); err != nil {
		return nil, err
	}
	return &step, nil
}

func marshalRollback(results []workflow.RollbackResult) ([]byte, error) {
	if len(results) == 0 {
		return nil, nil
	}
	return marshalJSON(results)
}
