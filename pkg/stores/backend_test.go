package stores

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/stateful/pkg/engine"
)

// testBackendContract exercises the behaviour shared by every backend.
func testBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("load empty", func(t *testing.T) {
		entries, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if entries == nil || len(entries) != 0 {
			t.Errorf("expected empty non-nil graph, got %v", entries)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := b.Save(ctx, testGraph()); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		entries, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if diff := cmp.Diff(testGraph(), entries); diff != "" {
			t.Errorf("loaded graph differs (-want +got):\n%s", diff)
		}
	})

	t.Run("lock", func(t *testing.T) {
		unlock, err := b.Lock(ctx, engine.LockInfo{Owner: "alice", Operation: "deploy"})
		if err != nil {
			t.Fatalf("failed to lock: %v", err)
		}

		_, err = b.Lock(ctx, engine.LockInfo{Owner: "bob", Operation: "deploy"})
		if !engine.IsStateLocked(err) {
			t.Fatalf("expected state locked error, got: %v", err)
		}

		holder, err := b.LockHolder(ctx)
		if err != nil || holder == nil {
			t.Fatalf("expected holder, got %v, %v", holder, err)
		}
		if holder.Owner != "alice" {
			t.Errorf("expected holder alice, got %s", holder.Owner)
		}

		if err := unlock(); err != nil {
			t.Fatalf("failed to unlock: %v", err)
		}
		if holder, err := b.LockHolder(ctx); err != nil || holder != nil {
			t.Errorf("expected no holder, got %v, %v", holder, err)
		}
	})

	t.Run("force unlock", func(t *testing.T) {
		if _, err := b.Lock(ctx, engine.LockInfo{ID: "stale-lock"}); err != nil {
			t.Fatalf("failed to lock: %v", err)
		}
		if err := b.ForceUnlock(ctx, "wrong"); err == nil {
			t.Error("expected error for mismatched lock ID")
		}
		if err := b.ForceUnlock(ctx, "stale-lock"); err != nil {
			t.Fatalf("failed to force unlock: %v", err)
		}
		unlock, err := b.Lock(ctx, engine.LockInfo{})
		if err != nil {
			t.Fatalf("expected lock to be free, got: %v", err)
		}
		_ = unlock()
	})
}

func TestBackendContract(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		testBackendContract(t, NewFileBackend(t.TempDir()+"/nested/state.json"))
	})
	t.Run("sqlite", func(t *testing.T) {
		testBackendContract(t, setupTestStore(t))
	})
	t.Run("sftp", func(t *testing.T) {
		testBackendContract(t, NewSFTPBackend(newTestSFTPClient(t), "/remote/state/stateful.json"))
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	file, err := Open(ctx, BackendConfig{Type: BackendFile, Path: dir + "/state.json"})
	if err != nil {
		t.Fatalf("failed to open file backend: %v", err)
	}
	if file.Name() != "file" {
		t.Errorf("expected file backend, got %s", file.Name())
	}

	db, err := Open(ctx, BackendConfig{Type: BackendSQLite, Path: dir + "/state.db"})
	if err != nil {
		t.Fatalf("failed to open sqlite backend: %v", err)
	}
	defer db.Close()
	if _, ok := db.(engine.RunRecorder); !ok {
		t.Error("expected sqlite backend to record runs")
	}

	if _, err := Open(ctx, BackendConfig{Type: BackendSFTP, Path: "/state.json"}); err == nil {
		t.Error("expected error for sftp backend without ssh config")
	}
	if _, err := Open(ctx, BackendConfig{Type: "s3", Path: "x"}); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
