package workflow

import (
	"errors"
	"testing"

	"github.com/gantry-io/gantry"
)

func mustBuild(t *testing.T, name string, version int) *Definition {
	t.Helper()
	def, err := New(name).Version(version).Step("run", noop).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func TestRegistryLatestWins(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(mustBuild(t, "sync", 1)); err != nil {
		t.Fatalf("Register v1: %v", err)
	}
	if err := r.Register(mustBuild(t, "sync", 2)); err != nil {
		t.Fatalf("Register v2: %v", err)
	}

	def, err := r.Get("sync")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Version != 2 {
		t.Fatalf("latest version = %d, want 2", def.Version)
	}

	def, err = r.GetVersion("sync", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if def.Version != 1 {
		t.Fatalf("pinned version = %d, want 1", def.Version)
	}
}

func TestRegistryDuplicateVersion(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(mustBuild(t, "sync", 1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(mustBuild(t, "sync", 1))
	if !errors.Is(err, gantry.ErrWorkflowExists) {
		t.Fatalf("expected ErrWorkflowExists, got %v", err)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, gantry.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
	if _, err := r.GetVersion("missing", 3); !errors.Is(err, gantry.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(mustBuild(t, name, 1)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	names := r.List()
	want := []string{"alpha", "mid", "zeta"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("List = %v, want %v", names, want)
		}
	}
	if vs := r.Versions("alpha"); len(vs) != 1 || vs[0] != 1 {
		t.Fatalf("Versions = %v", vs)
	}
}
