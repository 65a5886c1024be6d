package election

import (
	"context"
	"sync"
	"time"
)

// localRegistry arbitrates leadership between Local electors that share
// a scheduler name within one process.
type localRegistry struct {
	mu      sync.Mutex
	leaders map[string]*Local // scheduler name -> current leader
	members map[string]map[string]*Local
}

var registry = &localRegistry{
	leaders: make(map[string]*Local),
	members: make(map[string]map[string]*Local),
}

// Local is an in-process elector: the first instance of a scheduler
// name to start becomes leader and stays leader until it stops, then
// another live instance is promoted. Useful for single-binary
// deployments and tests; cross-process deployments need StoreElector.
type Local struct {
	scheduler string
	node      string
	startedAt time.Time
}

// NewLocal creates an in-process elector for one instance of the named
// scheduler.
func NewLocal(scheduler, node string) *Local {
	return &Local{scheduler: scheduler, node: node}
}

// Start registers the instance. The first instance per scheduler name
// becomes leader immediately.
func (l *Local) Start(_ context.Context) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	l.startedAt = time.Now().UTC()
	byNode, ok := registry.members[l.scheduler]
	if !ok {
		byNode = make(map[string]*Local)
		registry.members[l.scheduler] = byNode
	}
	byNode[l.node] = l
	if registry.leaders[l.scheduler] == nil {
		registry.leaders[l.scheduler] = l
	}
	return nil
}

// Stop deregisters the instance and promotes another live one if this
// was the leader.
func (l *Local) Stop(_ context.Context) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	byNode := registry.members[l.scheduler]
	delete(byNode, l.node)
	if registry.leaders[l.scheduler] == l {
		registry.leaders[l.scheduler] = nil
		for _, next := range byNode {
			registry.leaders[l.scheduler] = next
			break
		}
	}
	return nil
}

// IsLeader reports whether this instance is the in-process leader.
func (l *Local) IsLeader() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.leaders[l.scheduler] == l
}

// Leader returns the node name of the current in-process leader.
func (l *Local) Leader(_ context.Context) (string, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if leader := registry.leaders[l.scheduler]; leader != nil {
		return leader.node, nil
	}
	return "", nil
}

// Peers returns the registered in-process instances of this scheduler.
func (l *Local) Peers(_ context.Context) ([]*Peer, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	leader := registry.leaders[l.scheduler]
	peers := make([]*Peer, 0, len(registry.members[l.scheduler]))
	for _, m := range registry.members[l.scheduler] {
		peers = append(peers, &Peer{
			Node:      m.node,
			Scheduler: m.scheduler,
			IsLeader:  m == leader,
			StartedAt: m.startedAt,
			LastSeen:  time.Now().UTC(),
		})
	}
	return peers, nil
}
