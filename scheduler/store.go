package scheduler

import (
	"context"
	"time"

	"github.com/gantry-io/gantry/id"
)

// Store defines the persistence contract for scheduled jobs.
type Store interface {
	// CreateJob persists a new job. A taken name returns
	// gantry.ErrJobExists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// GetJobByName retrieves a job by its unique name.
	GetJobByName(ctx context.Context, name string) (*Job, error)

	// UpdateJob overwrites a stored job (Enabled, NextRunAt, etc.).
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns all jobs.
	ListJobs(ctx context.Context) ([]*Job, error)

	// ListDueJobs returns enabled jobs whose next run time is at or
	// before now, up to limit. Zero limit means no limit.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// AcquireJobLock attempts to take a per-job dispatch lock that
	// expires after ttl. Returns true if this holder now owns it.
	AcquireJobLock(ctx context.Context, jobID id.JobID, holder string, ttl time.Duration) (bool, error)

	// ReleaseJobLock releases the dispatch lock if holder owns it.
	ReleaseJobLock(ctx context.Context, jobID id.JobID, holder string) error

	// RecentlyDispatched reports whether key was dispatched within the
	// trailing window.
	RecentlyDispatched(ctx context.Context, key string, window time.Duration) (bool, error)

	// RecordDispatch marks key as dispatched at the given time.
	RecordDispatch(ctx context.Context, key string, at time.Time) error
}
