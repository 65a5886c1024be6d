package election_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gantry-io/gantry/election"
	"github.com/gantry-io/gantry/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newElector(store *memory.Store, node string) *election.StoreElector {
	return election.NewStoreElector("orders", node, store, store,
		election.WithCheckInterval(10*time.Millisecond),
		election.WithPeerTTL(time.Second),
		election.WithLogger(discard()),
	)
}

func TestSingleInstanceBecomesLeader(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newElector(store, "node-a")

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(ctx)

	if !e.IsLeader() {
		t.Fatal("sole instance is not leader after Start")
	}
	leader, err := e.Leader(ctx)
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	if leader != "node-a" {
		t.Fatalf("leader = %q, want node-a", leader)
	}
}

func TestAtMostOneLeader(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newElector(store, "node-a")
	b := newElector(store, "node-b")

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop(ctx)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsLeader() && b.IsLeader() {
			t.Fatal("two leaders at once")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !a.IsLeader() && !b.IsLeader() {
		t.Fatal("no leader elected")
	}
}

func TestFailoverOnStop(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newElector(store, "node-a")
	b := newElector(store, "node-b")

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop(ctx)

	if !a.IsLeader() {
		t.Fatal("first starter is not leader")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop a: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !b.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("survivor never took over leadership")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDemotionOnLostLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newElector(store, "node-a")

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(ctx)

	if !e.IsLeader() {
		t.Fatal("not leader after Start")
	}

	// Steal the lock out from under the elector.
	if err := store.ReleaseLock(ctx, election.LockKey("orders"), "node-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := store.AcquireLock(ctx, election.LockKey("orders"), "intruder"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("elector never noticed the lost lock")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPeersVisible(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newElector(store, "node-a")
	b := newElector(store, "node-b")

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop(ctx)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop(ctx)

	peers, err := a.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	for _, p := range peers {
		if p.StartedAt.IsZero() {
			t.Fatalf("peer %s has no start time", p.Node)
		}
		if p.LastSeen.IsZero() {
			t.Fatalf("peer %s has no heartbeat time", p.Node)
		}
	}
}

func TestLocalElector(t *testing.T) {
	ctx := context.Background()
	a := election.NewLocal("local-sched", "node-a")
	b := election.NewLocal("local-sched", "node-b")

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	if !a.IsLeader() || b.IsLeader() {
		t.Fatal("first starter should lead")
	}
	peers, err := a.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	for _, p := range peers {
		if p.StartedAt.IsZero() {
			t.Fatalf("peer %s has no start time", p.Node)
		}
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop a: %v", err)
	}
	if !b.IsLeader() {
		t.Fatal("survivor not promoted")
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop b: %v", err)
	}
}
