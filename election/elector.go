// Package election provides leader election for scheduler instances.
// Exactly one instance per scheduler name holds leadership at a time;
// only the leader dispatches due jobs, so triggers never double-fire.
package election

import (
	"context"
	"time"
)

// Peer is one scheduler instance visible to the cluster.
type Peer struct {
	Node      string            `json:"node"`
	Scheduler string            `json:"scheduler"`
	IsLeader  bool              `json:"is_leader"`
	StartedAt time.Time         `json:"started_at"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Elector elects a single leader among the instances sharing a
// scheduler name. Implementations must tolerate crashes: a dead
// leader's claim expires and another instance takes over.
type Elector interface {
	// Start begins campaigning in the background. It returns once the
	// election loops are running, not once leadership is decided.
	Start(ctx context.Context) error

	// Stop resigns leadership if held and halts the election loops.
	Stop(ctx context.Context) error

	// IsLeader reports whether this instance currently holds leadership.
	// The answer is advisory: leadership can be lost between the check
	// and any action taken on it.
	IsLeader() bool

	// Leader returns the node name of the current leader, or "" if
	// none is known.
	Leader(ctx context.Context) (string, error)

	// Peers returns the live instances of this scheduler.
	Peers(ctx context.Context) ([]*Peer, error)
}

// LockStore is the distributed mutual-exclusion primitive backing
// StoreElector. Postgres implements it with expiring claim rows; the
// in-memory store with a plain map.
type LockStore interface {
	// AcquireLock attempts to take the lock identified by key on
	// behalf of holder. It must not block: false means someone else
	// holds it.
	AcquireLock(ctx context.Context, key int64, holder string) (bool, error)

	// VerifyLock reports whether holder still holds the lock. A lock
	// silently lost (connection drop, store restart) must return false.
	VerifyLock(ctx context.Context, key int64, holder string) (bool, error)

	// ReleaseLock releases the lock if holder holds it.
	ReleaseLock(ctx context.Context, key int64, holder string) error
}

// PeerStore persists cluster membership with a liveness TTL.
type PeerStore interface {
	// UpsertPeer registers or refreshes a peer. A peer not refreshed
	// within ttl is considered dead.
	UpsertPeer(ctx context.Context, peer *Peer, ttl time.Duration) error

	// DeletePeer removes a peer record.
	DeletePeer(ctx context.Context, scheduler, node string) error

	// ListPeers returns the unexpired peers of a scheduler.
	ListPeers(ctx context.Context, scheduler string) ([]*Peer, error)
}
