package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/workflow"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Job binds a workflow to a trigger. The scheduler walks due jobs on
// every leader tick and starts executions for them.
type Job struct {
	gantry.Entity

	ID       id.JobID         `json:"id"`
	Name     string           `json:"name"`
	Workflow string           `json:"workflow"`
	Trigger  workflow.Trigger `json:"trigger"`
	Input    map[string]any   `json:"input,omitempty"`

	// Unique suppresses duplicate dispatches: while a dispatch of the
	// same key is within UniquePeriod, due fires are dropped. An empty
	// UniqueKey defaults to the job name.
	Unique       bool          `json:"unique,omitempty"`
	UniqueKey    string        `json:"unique_key,omitempty"`
	UniquePeriod time.Duration `json:"unique_period,omitempty"`

	// Per-run overrides of the workflow definition's retry and deadline
	// defaults. Zero values defer to the definition.
	MaxRetries int           `json:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// NewJob creates an enabled job for the workflow's trigger with its
// first run time computed from now.
func NewJob(name string, def *workflow.Definition, input map[string]any) (*Job, error) {
	j := &Job{
		Entity:   gantry.NewEntity(),
		ID:       id.NewJobID(),
		Name:     name,
		Workflow: def.Name,
		Trigger:  def.Trigger,
		Input:    input,
		Enabled:  true,
	}
	next, err := j.ComputeNextRun(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	j.NextRunAt = next
	return j, nil
}

// Overrides returns the job's per-run execution overrides.
func (j *Job) Overrides() workflow.Overrides {
	return workflow.Overrides{
		MaxRetries: j.MaxRetries,
		RetryDelay: j.RetryDelay,
		Timeout:    j.Timeout,
	}
}

// DedupKey returns the uniqueness key used for dispatch suppression.
func (j *Job) DedupKey() string {
	if j.UniqueKey != "" {
		return j.UniqueKey
	}
	return j.Name
}

// Due reports whether the job should fire at now.
func (j *Job) Due(now time.Time) bool {
	return j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

// ComputeNextRun returns the next fire time after now, or nil for
// triggers that never fire on a clock (manual, event).
func (j *Job) ComputeNextRun(now time.Time) (*time.Time, error) {
	switch j.Trigger.Type {
	case workflow.TriggerCron:
		sched, err := ParseSchedule(j.Trigger.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("job %q: parse cron %q: %w", j.Name, j.Trigger.CronExpr, err)
		}
		base := now
		if j.Trigger.Timezone != "" {
			loc, locErr := time.LoadLocation(j.Trigger.Timezone)
			if locErr != nil {
				return nil, fmt.Errorf("job %q: timezone %q: %w", j.Name, j.Trigger.Timezone, locErr)
			}
			base = now.In(loc)
		}
		next := sched.Next(base).UTC()
		return &next, nil
	case workflow.TriggerInterval:
		if j.Trigger.Interval <= 0 {
			return nil, fmt.Errorf("job %q: interval must be positive", j.Name)
		}
		next := now.Add(j.Trigger.Interval)
		return &next, nil
	default:
		return nil, nil
	}
}
