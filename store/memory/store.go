// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing, development, and single-process
// deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantry-io/gantry"
	"github.com/gantry-io/gantry/election"
	"github.com/gantry-io/gantry/id"
	"github.com/gantry-io/gantry/scheduler"
	"github.com/gantry-io/gantry/workflow"
)

var (
	_ workflow.Store     = (*Store)(nil)
	_ scheduler.Store    = (*Store)(nil)
	_ election.LockStore = (*Store)(nil)
	_ election.PeerStore = (*Store)(nil)
)

type jobLock struct {
	holder string
	until  time.Time
}

type peerRecord struct {
	peer    election.Peer
	expires time.Time
}

// Store is the in-memory implementation of every persistence contract.
type Store struct {
	mu sync.RWMutex

	definitions map[string]*workflow.DefinitionRecord // key: "name:version"
	executions  map[string]*workflow.Execution
	steps       map[string]*workflow.StepExecution // key: "execID:stepName"
	stepOrder   map[string][]string                // execID -> step keys in creation order

	jobs       map[string]*scheduler.Job
	jobLocks   map[string]jobLock
	dispatches map[string]time.Time

	locks map[int64]string // advisory lock key -> holder
	peers map[string]peerRecord
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*workflow.DefinitionRecord),
		executions:  make(map[string]*workflow.Execution),
		steps:       make(map[string]*workflow.StepExecution),
		stepOrder:   make(map[string][]string),
		jobs:        make(map[string]*scheduler.Job),
		jobLocks:    make(map[string]jobLock),
		dispatches:  make(map[string]time.Time),
		locks:       make(map[int64]string),
		peers:       make(map[string]peerRecord),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow definitions
// ──────────────────────────────────────────────────

func defKey(name string, version int) string {
	return fmt.Sprintf("%s:%d", name, version)
}

func (m *Store) SaveDefinition(_ context.Context, rec *workflow.DefinitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.definitions[defKey(rec.Name, rec.Version)] = &cp
	return nil
}

func (m *Store) GetDefinition(_ context.Context, name string, version int) (*workflow.DefinitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.definitions[defKey(name, version)]
	if !ok {
		return nil, gantry.ErrWorkflowNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Store) ListDefinitions(_ context.Context) ([]*workflow.DefinitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*workflow.DefinitionRecord)
	for _, rec := range m.definitions {
		if cur, ok := latest[rec.Name]; !ok || rec.Version > cur.Version {
			latest[rec.Name] = rec
		}
	}
	out := make([]*workflow.DefinitionRecord, 0, len(latest))
	for _, rec := range latest {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

func copyExecution(e *workflow.Execution) *workflow.Execution {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	cp.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	cp.Rollback = append([]workflow.RollbackResult(nil), e.Rollback...)
	return &cp
}

func (m *Store) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, exists := m.executions[key]; exists {
		return gantry.ErrExecutionExists
	}
	m.executions[key] = copyExecution(exec)
	return nil
}

func (m *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[execID.String()]
	if !ok {
		return nil, gantry.ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (m *Store) UpdateExecution(_ context.Context, exec *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, ok := m.executions[key]; !ok {
		return gantry.ErrExecutionNotFound
	}
	m.executions[key] = copyExecution(exec)
	return nil
}

func (m *Store) ListExecutions(_ context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*workflow.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.WorkflowName != "" && exec.WorkflowName != opts.WorkflowName {
			continue
		}
		if opts.State != "" && exec.State != opts.State {
			continue
		}
		if !opts.Since.IsZero() && exec.CreatedAt.Before(opts.Since) {
			continue
		}
		matches = append(matches, exec)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			return nil, nil
		}
		matches = matches[opts.Offset:]
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	out := make([]*workflow.Execution, len(matches))
	for i, exec := range matches {
		out[i] = copyExecution(exec)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Step executions
// ──────────────────────────────────────────────────

func stepKey(execID id.ExecutionID, stepName string) string {
	return execID.String() + ":" + stepName
}

func copyStep(s *workflow.StepExecution) *workflow.StepExecution {
	cp := *s
	if s.Input != nil {
		cp.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			cp.Input[k] = v
		}
	}
	if s.Output != nil {
		cp.Output = make(map[string]any, len(s.Output))
		for k, v := range s.Output {
			cp.Output[k] = v
		}
	}
	return &cp
}

func (m *Store) CreateStep(_ context.Context, step *workflow.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(step.ExecutionID, step.StepName)
	if _, exists := m.steps[key]; !exists {
		execKey := step.ExecutionID.String()
		m.stepOrder[execKey] = append(m.stepOrder[execKey], key)
	}
	m.steps[key] = copyStep(step)
	return nil
}

func (m *Store) UpdateStep(_ context.Context, step *workflow.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(step.ExecutionID, step.StepName)
	if _, ok := m.steps[key]; !ok {
		return gantry.ErrStepNotFound
	}
	m.steps[key] = copyStep(step)
	return nil
}

func (m *Store) GetStep(_ context.Context, execID id.ExecutionID, stepName string) (*workflow.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, ok := m.steps[stepKey(execID, stepName)]
	if !ok {
		return nil, gantry.ErrStepNotFound
	}
	return copyStep(step), nil
}

func (m *Store) ListSteps(_ context.Context, execID id.ExecutionID) ([]*workflow.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.stepOrder[execID.String()]
	out := make([]*workflow.StepExecution, 0, len(keys))
	for _, key := range keys {
		if step, ok := m.steps[key]; ok {
			out = append(out, copyStep(step))
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Scheduled jobs
// ──────────────────────────────────────────────────

func copyJob(j *scheduler.Job) *scheduler.Job {
	cp := *j
	if j.Input != nil {
		cp.Input = make(map[string]any, len(j.Input))
		for k, v := range j.Input {
			cp.Input[k] = v
		}
	}
	return &cp
}

func (m *Store) CreateJob(_ context.Context, j *scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobs {
		if existing.Name == j.Name {
			return gantry.ErrJobExists
		}
	}
	if _, exists := m.jobs[j.ID.String()]; exists {
		return gantry.ErrJobExists
	}
	m.jobs[j.ID.String()] = copyJob(j)
	return nil
}

func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*scheduler.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, gantry.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *Store) GetJobByName(_ context.Context, name string) (*scheduler.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Name == name {
			return copyJob(j), nil
		}
	}
	return nil, gantry.ErrJobNotFound
}

func (m *Store) UpdateJob(_ context.Context, j *scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID.String()]; !ok {
		return gantry.ErrJobNotFound
	}
	m.jobs[j.ID.String()] = copyJob(j)
	return nil
}

func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID.String()]; !ok {
		return gantry.ErrJobNotFound
	}
	delete(m.jobs, jobID.String())
	delete(m.jobLocks, jobID.String())
	return nil
}

func (m *Store) ListJobs(_ context.Context) ([]*scheduler.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*scheduler.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Store) ListDueJobs(_ context.Context, now time.Time, limit int) ([]*scheduler.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*scheduler.Job, 0)
	for _, j := range m.jobs {
		if j.Due(now) {
			due = append(due, copyJob(j))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Store) AcquireJobLock(_ context.Context, jobID id.JobID, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	now := time.Now().UTC()
	if lock, exists := m.jobLocks[key]; exists && lock.until.After(now) && lock.holder != holder {
		return false, nil
	}
	m.jobLocks[key] = jobLock{holder: holder, until: now.Add(ttl)}
	return true, nil
}

func (m *Store) ReleaseJobLock(_ context.Context, jobID id.JobID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if lock, exists := m.jobLocks[key]; exists && lock.holder == holder {
		delete(m.jobLocks, key)
	}
	return nil
}

func (m *Store) RecentlyDispatched(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.dispatches[key]
	if !ok {
		return false, nil
	}
	return time.Since(at) < window, nil
}

func (m *Store) RecordDispatch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches[key] = at
	return nil
}

// ──────────────────────────────────────────────────
// Leadership locks and peers
// ──────────────────────────────────────────────────

func (m *Store) AcquireLock(_ context.Context, key int64, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, held := m.locks[key]; held {
		return current == holder, nil
	}
	m.locks[key] = holder
	return true, nil
}

func (m *Store) VerifyLock(_ context.Context, key int64, holder string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[key] == holder, nil
}

func (m *Store) ReleaseLock(_ context.Context, key int64, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] == holder {
		delete(m.locks, key)
	}
	return nil
}

func peerKey(schedulerName, node string) string {
	return schedulerName + "/" + node
}

func (m *Store) UpsertPeer(_ context.Context, peer *election.Peer, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers[peerKey(peer.Scheduler, peer.Node)] = peerRecord{
		peer:    *peer,
		expires: time.Now().UTC().Add(ttl),
	}
	return nil
}

func (m *Store) DeletePeer(_ context.Context, schedulerName, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerKey(schedulerName, node))
	return nil
}

func (m *Store) ListPeers(_ context.Context, schedulerName string) ([]*election.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]*election.Peer, 0, len(m.peers))
	for _, rec := range m.peers {
		if rec.peer.Scheduler != schedulerName || rec.expires.Before(now) {
			continue
		}
		cp := rec.peer
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}
