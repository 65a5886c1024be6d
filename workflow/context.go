package workflow

import (
	"sort"

	"github.com/gantry-io/gantry/id"
)

// StepContext is the read view of an execution handed to step handlers,
// conditions, rollbacks, and graft functions. It carries an isolated
// snapshot of the execution context: handlers communicate changes back
// through their Outcome, never by mutating the snapshot.
type StepContext struct {
	execID  id.ExecutionID
	step    string
	attempt int
	values  map[string]any
}

// NewStepContext builds a StepContext over a context snapshot.
// This is called by the engine, not by users.
func NewStepContext(execID id.ExecutionID, step string, attempt int, values map[string]any) *StepContext {
	return &StepContext{
		execID:  execID,
		step:    step,
		attempt: attempt,
		values:  values,
	}
}

// ExecutionID returns the owning execution's ID.
func (c *StepContext) ExecutionID() id.ExecutionID { return c.execID }

// Step returns the name of the step being executed.
func (c *StepContext) Step() string { return c.step }

// Attempt returns the 1-indexed attempt number.
func (c *StepContext) Attempt() int { return c.attempt }

// Get returns the context value for key.
func (c *StepContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the context value for key as a string, or "" when
// absent or not a string.
func (c *StepContext) GetString(key string) string {
	if v, ok := c.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Keys returns all context keys in sorted order.
func (c *StepContext) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the context values.
func (c *StepContext) Snapshot() map[string]any {
	cp := make(map[string]any, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return cp
}
