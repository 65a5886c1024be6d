package election

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures a StoreElector.
type Option func(*StoreElector)

// WithCheckInterval sets how often the elector verifies or attempts
// the leadership lock.
func WithCheckInterval(d time.Duration) Option {
	return func(e *StoreElector) { e.checkInterval = d }
}

// WithPeerTTL sets the liveness TTL for peer heartbeats.
func WithPeerTTL(d time.Duration) Option {
	return func(e *StoreElector) { e.peerTTL = d }
}

// WithLogger sets the elector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *StoreElector) { e.logger = logger }
}

// WithMetadata attaches metadata to this instance's peer record.
func WithMetadata(md map[string]string) Option {
	return func(e *StoreElector) { e.metadata = md }
}

// LockKey maps a scheduler name to the lock keyspace. Every instance
// of the same scheduler derives the same key, so they contend for the
// same lock.
func LockKey(scheduler string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scheduler))
	return int64(h.Sum64())
}

// StoreElector elects a leader through a LockStore: whoever holds the
// scheduler's lock is leader, and holding it is re-verified every
// check interval so a silently lost lock demotes the instance instead
// of leaving two leaders running.
type StoreElector struct {
	scheduler string
	node      string
	key       int64

	locks  LockStore
	peers  PeerStore
	logger *slog.Logger

	checkInterval time.Duration
	peerTTL       time.Duration
	metadata      map[string]string

	leader atomic.Bool

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStoreElector creates an elector for one instance (node) of the
// named scheduler.
func NewStoreElector(scheduler, node string, locks LockStore, peers PeerStore, opts ...Option) *StoreElector {
	e := &StoreElector{
		scheduler:     scheduler,
		node:          node,
		key:           LockKey(scheduler),
		locks:         locks,
		peers:         peers,
		logger:        slog.Default(),
		checkInterval: 5 * time.Second,
		peerTTL:       15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the campaign and heartbeat loops.
func (e *StoreElector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.startedAt = time.Now().UTC()
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	// Campaign once before the loops so a single instance is leader
	// by the time Start returns.
	e.campaign(ctx)
	e.heartbeat(ctx)

	e.wg.Add(2)
	go e.campaignLoop()
	go e.heartbeatLoop()

	e.logger.Info("elector started",
		slog.String("scheduler", e.scheduler),
		slog.String("node", e.node),
		slog.Bool("leader", e.leader.Load()),
	)
	return nil
}

// Stop resigns leadership, removes the peer record, and halts the loops.
func (e *StoreElector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	if e.leader.Swap(false) {
		if err := e.locks.ReleaseLock(ctx, e.key, e.node); err != nil {
			e.logger.Warn("release leadership lock error",
				slog.String("scheduler", e.scheduler),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := e.peers.DeletePeer(ctx, e.scheduler, e.node); err != nil {
		e.logger.Warn("delete peer error",
			slog.String("scheduler", e.scheduler),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Info("elector stopped",
		slog.String("scheduler", e.scheduler),
		slog.String("node", e.node),
	)
	return nil
}

// IsLeader reports whether this instance held leadership at the last check.
func (e *StoreElector) IsLeader() bool { return e.leader.Load() }

// Leader returns the node name of the current leader.
func (e *StoreElector) Leader(ctx context.Context) (string, error) {
	peers, err := e.peers.ListPeers(ctx, e.scheduler)
	if err != nil {
		return "", err
	}
	for _, p := range peers {
		if p.IsLeader {
			return p.Node, nil
		}
	}
	return "", nil
}

// Peers returns the live instances of this scheduler.
func (e *StoreElector) Peers(ctx context.Context) ([]*Peer, error) {
	return e.peers.ListPeers(ctx, e.scheduler)
}

func (e *StoreElector) campaignLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.campaign(context.Background())
		}
	}
}

// campaign verifies held leadership or attempts to take it. A verify
// failure demotes immediately: acting on a lost lock is worse than a
// brief leaderless window.
func (e *StoreElector) campaign(ctx context.Context) {
	if e.leader.Load() {
		held, err := e.locks.VerifyLock(ctx, e.key, e.node)
		if err != nil {
			e.logger.Warn("verify leadership lock error",
				slog.String("scheduler", e.scheduler),
				slog.String("error", err.Error()),
			)
			e.demote()
			return
		}
		if !held {
			e.demote()
		}
		return
	}

	acquired, err := e.locks.AcquireLock(ctx, e.key, e.node)
	if err != nil {
		e.logger.Warn("acquire leadership lock error",
			slog.String("scheduler", e.scheduler),
			slog.String("error", err.Error()),
		)
		return
	}
	if acquired {
		e.leader.Store(true)
		e.logger.Info("acquired leadership",
			slog.String("scheduler", e.scheduler),
			slog.String("node", e.node),
		)
		e.heartbeat(ctx)
	}
}

func (e *StoreElector) demote() {
	if e.leader.Swap(false) {
		e.logger.Warn("leadership lost",
			slog.String("scheduler", e.scheduler),
			slog.String("node", e.node),
		)
	}
}

func (e *StoreElector) heartbeatLoop() {
	defer e.wg.Done()

	interval := e.peerTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.heartbeat(context.Background())
		}
	}
}

func (e *StoreElector) heartbeat(ctx context.Context) {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	peer := &Peer{
		Node:      e.node,
		Scheduler: e.scheduler,
		IsLeader:  e.leader.Load(),
		StartedAt: startedAt,
		LastSeen:  time.Now().UTC(),
		Metadata:  e.metadata,
	}
	if err := e.peers.UpsertPeer(ctx, peer, e.peerTTL); err != nil {
		e.logger.Warn("peer heartbeat error",
			slog.String("scheduler", e.scheduler),
			slog.String("node", e.node),
			slog.String("error", err.Error()),
		)
	}
}
