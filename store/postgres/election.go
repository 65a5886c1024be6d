package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gantry-io/gantry/election"
)

// Leadership locks are rows with a TTL rather than session advisory
// locks: pooled connections come and go, so a session-scoped lock
// would silently drop when its connection is recycled. A claim not
// re-verified within lockTTL expires and can be stolen.
const lockTTL = 30 * time.Second

// AcquireLock attempts to take the lock identified by key on behalf of
// holder. Free and expired locks are claimed in one atomic UPSERT.
func (s *Store) AcquireLock(ctx context.Context, key int64, holder string) (bool, error) {
	until := time.Now().UTC().Add(lockTTL)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gantry_locks (key, holder, locked_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			holder = EXCLUDED.holder,
			locked_until = EXCLUDED.locked_until
		WHERE gantry_locks.holder = EXCLUDED.holder
		   OR gantry_locks.locked_until < NOW()`,
		key, holder, until,
	)
	if err != nil {
		return false, fmt.Errorf("gantry/postgres: acquire lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// VerifyLock reports whether holder still holds the lock and extends
// the claim's TTL when it does.
func (s *Store) VerifyLock(ctx context.Context, key int64, holder string) (bool, error) {
	until := time.Now().UTC().Add(lockTTL)
	tag, err := s.pool.Exec(ctx, `
		UPDATE gantry_locks
		SET locked_until = $3
		WHERE key = $1 AND holder = $2 AND locked_until >= NOW()`,
		key, holder, until,
	)
	if err != nil {
		return false, fmt.Errorf("gantry/postgres: verify lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock releases the lock if holder holds it.
func (s *Store) ReleaseLock(ctx context.Context, key int64, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gantry_locks WHERE key = $1 AND holder = $2`,
		key, holder,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: release lock: %w", err)
	}
	return nil
}

// UpsertPeer registers or refreshes a scheduler peer with a liveness TTL.
func (s *Store) UpsertPeer(ctx context.Context, peer *election.Peer, ttl time.Duration) error {
	metadata, err := marshalJSON(peer.Metadata)
	if err != nil {
		return fmt.Errorf("gantry/postgres: upsert peer: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_peers (scheduler, node, is_leader, started_at, last_seen, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scheduler, node) DO UPDATE SET
			is_leader = EXCLUDED.is_leader,
			started_at = EXCLUDED.started_at,
			last_seen = EXCLUDED.last_seen,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata`,
		peer.Scheduler, peer.Node, peer.IsLeader,
		peer.StartedAt, peer.LastSeen, peer.LastSeen.Add(ttl), metadata,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: upsert peer: %w", err)
	}
	return nil
}

// DeletePeer removes a peer record.
func (s *Store) DeletePeer(ctx context.Context, schedulerName, node string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gantry_peers WHERE scheduler = $1 AND node = $2`,
		schedulerName, node,
	)
	if err != nil {
		return fmt.Errorf("gantry/postgres: delete peer: %w", err)
	}
	return nil
}

// ListPeers returns the unexpired peers of a scheduler.
func (s *Store) ListPeers(ctx context.Context, schedulerName string) ([]*election.Peer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scheduler, node, is_leader, started_at, last_seen, metadata
		FROM gantry_peers
		WHERE scheduler = $1 AND expires_at >= NOW()
		ORDER BY node ASC`,
		schedulerName,
	)
	if err != nil {
		return nil, fmt.Errorf("gantry/postgres: list peers: %w", err)
	}
	defer rows.Close()

	var peers []*election.Peer
	for rows.Next() {
		var (
			p        election.Peer
			metadata []byte
		)
		if err := rows.Scan(&p.Scheduler, &p.Node, &p.IsLeader, &p.StartedAt, &p.LastSeen, &metadata); err != nil {
			return nil, fmt.Errorf("gantry/postgres: scan peer: %w", err)
		}
		if err := unmarshalJSON(metadata, &p.Metadata); err != nil {
			return nil, err
		}
		peers = append(peers, &p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("gantry/postgres: iterate peers: %w", err)
	}
	return peers, nil
}
