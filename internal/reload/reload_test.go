package reload

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/state"
)

func TestLoadInitialBuildsSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap, err := LoadInitial(context.Background(), dir, zap.NewNop())
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if snap.Global.Listen.HTTP != 80 {
		t.Fatalf("expected default HTTP port 80, got %d", snap.Global.Listen.HTTP)
	}
}

func TestReloadOnceKeepsPriorSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	initial, err := LoadInitial(context.Background(), dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var snap atomic.Pointer[state.Snapshot]
	snap.Store(initial)

	c := New(dir, &snap, zap.NewNop(), nil)

	// Break the config directory: a malformed access-lists.yaml aborts
	// the whole load.
	if err := os.WriteFile(filepath.Join(dir, "access-lists.yaml"), []byte("not: [valid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c.reloadOnce(context.Background())

	if snap.Load() != initial {
		t.Fatal("expected the prior snapshot to remain in place after a failed reload")
	}
}

func TestReloadOnceSwapsSnapshotOnSuccess(t *testing.T) {
	dir := t.TempDir()
	initial, err := LoadInitial(context.Background(), dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var snap atomic.Pointer[state.Snapshot]
	snap.Store(initial)

	c := New(dir, &snap, zap.NewNop(), nil)

	hostYAML := "id: 1\ndomains: [\"a.example.com\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "host-a.yaml"), []byte(hostYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	c.reloadOnce(context.Background())

	if snap.Load() == initial {
		t.Fatal("expected a new snapshot after a successful reload")
	}
	if _, ok := snap.Load().HostsByID[1]; !ok {
		t.Fatal("expected the newly added host to appear in the reloaded snapshot")
	}
}
