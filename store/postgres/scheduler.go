package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/scheduler"
)

// CreateJob persists a new scheduled job.
func (s *Store) CreateJob(ctx context.Context, j *scheduler.Job) error {
	trigger, err := marshalJSON(j.Trigger)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create job: %w", err)
	}
	input, err := marshalJSON(j.Input)
	if err != nil {
		return fmt.Errorf("gantry/postgres: create job: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_jobs (
			id, name, workflow, trigger, input,
			is_unique, unique_key, unique_period,
			max_retries, retry_delay, timeout,
			enabled, last_run_at, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID, j.Name, j.Workflow, trigger, input,
		j.Unique, j.UniqueKey, j.UniquePeriod.Nanoseconds(),
		j.MaxRetries, j.RetryDelay.Nanoseconds(), j.Timeout.Nanoseconds(),
		j.Enabled, j.LastRunAt, j.NextRunAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return gantry.ErrJobExists
		}
		return fmt.Errorf("gantry/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*scheduler.Job, error) {
	row := s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, gantry.ErrJobNotFound
		}
		return nil, fmt.Errorf("gantry/postgres: get job: %w", err)
	}
	return j, nil
}

// GetJobByName retrieves a job by its unique name.
func (s *Store) GetJobByName(ctx context.Context, name string) (*scheduler.Job, error) {
	row := s.pool.QueryRow(ctx, jobSelect+` WHERE name = $1`, name)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, gantry.ErrJobNotFound
		}
		return nil, fmt.Errorf("gantry/postgres: get job by name: %w", err)
	}
	return j, nil
}

// UpdateJob overwrites a stored job.
func (s *Store) UpdateJob(ctx context.Context, j *scheduler.Job) error {
	trigger, err := marshalJSON(j.Trigger)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update job: %w", err)
	}
	input, err := marshalJSON(j.Input)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update job: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE gantry_jobs SET
			workflow = $2, trigger = $3, input = $4,
			is_unique = $5, unique_key = $6, unique_period = $7,
			max_retries = $8, retry_delay = $9, timeout = $10,
			enabled = $11, last_run_at = $12, next_run_at = $13, updated_at = NOW()
		WHERE id = $1`,
		j.ID, j.Workflow, trigger, input,
		j.Unique, j.UniqueKey, j.UniquePeriod.Nanoseconds(),
		j.MaxRetries, j.RetryDelay.Nanoseconds(), j.Timeout.Nanoseconds(),
		j.Enabled, j.LastRunAt, j.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gantry.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gantry_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("gantry/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gantry.ErrJobNotFound
	}
	return nil
}

// ListJobs returns all jobs.
func (s *Store) ListJobs(ctx context.Context) ([]*scheduler.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListDueJobs returns enabled jobs due at or before now, soonest first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*scheduler.Job, error) {
	q := jobSelect + `
		WHERE enabled = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC`
	args := []any{now}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AcquireJobLock takes the per-job dispatch lock unless another live
// holder owns it. A single atomic UPSERT claims free or expired locks.
func (s *Store) AcquireJobLock(ctx context.Context, jobID id.JobID, holder string, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gantry_job_locks (job_id, holder, locked_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET
			holder = EXCLUDED.holder,
			locked_until = EXCLUDED.locked_until
		WHERE gantry_job_locks.holder = EXCLUDED.holder
		   OR gantry_job_locks.locked_until < NOW()`,
		jobID, holder, until,
	)
	if err != nil {
		return false, fmt.Errorf("gantry/postgres: acquire job lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseJobLock releases the dispatch lock if holder owns it.
func (s *Store) ReleaseJobLock(ctx context.Context, jobID id.JobID, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gantry_job_locks WHERE job_id = $1 AND holder = $2`,
		jobID, holder,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: release job lock: %w", err)
	}
	return nil
}

// RecentlyDispatched reports whether key was dispatched within the
// trailing window.
func (s *Store) RecentlyDispatched(ctx context.Context, key string, window time.Duration) (bool, error) {
	var recent bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM gantry_dispatches
			WHERE key = $1 AND dispatched_at > $2
		)`,
		key, time.Now().UTC().Add(-window),
	).Scan(&recent)
	if err != nil {
		return false, fmt.Errorf("gantry/postgres: recently dispatched: %w", err)
	}
	return recent, nil
}

// RecordDispatch marks key as dispatched at the given time.
func (s *Store) RecordDispatch(ctx context.Context, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gantry_dispatches (key, dispatched_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET dispatched_at = EXCLUDED.dispatched_at`,
		key, at,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: record dispatch: %w", err)
	}
	return nil
}

const jobSelect = `
	SELECT
		id, name, workflow, trigger, input,
		is_unique, unique_key, unique_period,
		max_retries, retry_delay, timeout,
		enabled, last_run_at, next_run_at, created_at, updated_at
	FROM gantry_jobs`

func scanJob(row pgx.Row) (*scheduler.Job, error) {
	var (
		j          scheduler.Job
		trigger    []byte
		input      []byte
		period     int64
		retryDelay int64
		timeout    int64
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Workflow, &trigger, &input,
		&j.Unique, &j.UniqueKey, &period,
		&j.MaxRetries, &retryDelay, &timeout,
		&j.Enabled, &j.LastRunAt, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.UniquePeriod = time.Duration(period)
	j.RetryDelay = time.Duration(retryDelay)
	j.Timeout = time.Duration(timeout)
	if err := unmarshalJSON(trigger, &j.Trigger); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &j.Input); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*scheduler.Job, error) {
	var jobs []*scheduler.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("gantry/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gantry/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}
