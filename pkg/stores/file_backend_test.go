package stores

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/stateful/pkg/engine"
)

func TestFileBackend_SerialAndLineage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stateful.json")
	b := NewFileBackend(path)

	if doc, err := b.Document(ctx); err != nil || doc != nil {
		t.Fatalf("expected no document, got %v, %v", doc, err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Save(ctx, testGraph()); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}
	doc, err := b.Document(ctx)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	if doc.Serial != 3 {
		t.Errorf("expected serial 3, got %d", doc.Serial)
	}
	if doc.Version != StateVersion || doc.Lineage == "" {
		t.Errorf("unexpected document header: %+v", doc)
	}

	first := doc.Lineage
	if err := b.Save(ctx, nil); err != nil {
		t.Fatalf("failed to save empty graph: %v", err)
	}
	doc, _ = b.Document(ctx)
	if doc.Lineage != first {
		t.Errorf("expected lineage %s to be kept, got %s", first, doc.Lineage)
	}
	if doc.Entries == nil || len(doc.Entries) != 0 {
		t.Errorf("expected empty entries, got %v", doc.Entries)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat state: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	matches, _ := filepath.Glob(path + ".tmp-*")
	if len(matches) != 0 {
		t.Errorf("expected temporary files to be cleaned up, got %v", matches)
	}
}

func TestFileBackend_InvalidState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileBackend(corrupt).Load(ctx); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("expected decode error, got: %v", err)
	}

	future := filepath.Join(dir, "future.json")
	if err := os.WriteFile(future, []byte(`{"version":99,"entries":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileBackend(future).Load(ctx); err == nil || !strings.Contains(err.Error(), "unsupported state version") {
		t.Errorf("expected version error, got: %v", err)
	}
}

func TestFileBackend_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	if _, err := b.Load(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled from Load, got: %v", err)
	}
	if err := b.Save(ctx, testGraph()); err != context.Canceled {
		t.Errorf("expected context.Canceled from Save, got: %v", err)
	}
	if _, err := b.Lock(ctx, engine.LockInfo{}); err != context.Canceled {
		t.Errorf("expected context.Canceled from Lock, got: %v", err)
	}
}

func TestFileBackend_UnlockAfterForceUnlock(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(filepath.Join(t.TempDir(), "state.json"))

	unlock, err := b.Lock(ctx, engine.LockInfo{ID: "first"})
	if err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	if err := b.ForceUnlock(ctx, "first"); err != nil {
		t.Fatalf("failed to force unlock: %v", err)
	}
	if _, err := b.Lock(ctx, engine.LockInfo{ID: "second", Owner: "bob"}); err != nil {
		t.Fatalf("failed to relock: %v", err)
	}

	// The original holder must not release the new holder's lock.
	if err := unlock(); err == nil {
		t.Error("expected error releasing a lock held by someone else")
	}
	holder, _ := b.LockHolder(ctx)
	if holder == nil || holder.ID != "second" {
		t.Errorf("expected second lock to survive, got %+v", holder)
	}

	if err := b.ForceUnlock(ctx, "second"); err != nil {
		t.Fatalf("failed to force unlock: %v", err)
	}
	if err := b.ForceUnlock(ctx, "second"); !engine.IsNotFound(err) {
		t.Errorf("expected not found when no lock is held, got: %v", err)
	}
}
