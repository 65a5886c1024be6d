package gantry

import "time"

// Config holds cluster-level configuration shared by the engine,
// scheduler, and elector.
type Config struct {
	// SchedulerName identifies the scheduler instance within the cluster.
	// Exactly one node holding this name is elected to dispatch work.
	SchedulerName string

	// Node is the identity of this cluster node (defaults to hostname+pid).
	Node string

	// CheckInterval is how often the elector re-checks leadership and
	// the scheduler looks for due work.
	CheckInterval time.Duration

	// PeerTTL is how long a peer-registry row stays valid without a
	// heartbeat before other nodes may ignore it.
	PeerTTL time.Duration

	// DefaultStepTimeout applies to steps that declare no timeout.
	// Zero means no per-step timeout.
	DefaultStepTimeout time.Duration

	// DefaultMaxRetries applies to steps that declare no retry policy.
	DefaultMaxRetries int

	// DefaultRetryDelay is the base retry delay for steps without one.
	DefaultRetryDelay time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SchedulerName:      "gantry",
		CheckInterval:      5 * time.Second,
		PeerTTL:            15 * time.Second,
		DefaultStepTimeout: 0,
		DefaultMaxRetries:  0,
		DefaultRetryDelay:  time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}
