package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLite(context.Background(), SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testGraph() engine.EntryStates {
	return engine.EntryStates{
		"network": {
			ID:         "network",
			Type:       "net",
			Parameters: json.RawMessage(`{"cidr":"10.0.0.0/16"}`),
			Result:     json.RawMessage(`{"id":"net-1"}`),
		},
		"server": {
			ID:           "server",
			Type:         "vm",
			Dependencies: []string{"network"},
			Parameters:   json.RawMessage(`{"size":"small"}`),
			Superseded: []*engine.Entry{{
				ID:         "server",
				Type:       "vm",
				Parameters: json.RawMessage(`{"size":"tiny"}`),
				Result:     json.RawMessage(`{"id":"vm-0"}`),
			}},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"state_entries", "state_meta", "locks", "runs", "step_results", "events"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected second migration to succeed, got: %v", err)
	}
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load empty state: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty state, got %v", empty.IDs())
	}
	if doc, _ := store.Document(ctx); doc != nil {
		t.Errorf("expected no document before first save, got %+v", doc)
	}

	graph := testGraph()
	if err := store.Save(ctx, graph); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if diff := cmp.Diff(graph, loaded); diff != "" {
		t.Errorf("loaded state differs (-want +got):\n%s", diff)
	}

	// A second save replaces the graph and bumps the serial.
	delete(graph, "server")
	if err := store.Save(ctx, graph); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	doc, err := store.Document(ctx)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	if doc.Serial != 2 {
		t.Errorf("expected serial 2, got %d", doc.Serial)
	}
	if doc.Lineage == "" {
		t.Error("expected lineage to be set")
	}
	if diff := cmp.Diff([]string{"network"}, doc.Entries.IDs()); diff != "" {
		t.Errorf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_Lock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unlock, err := store.Lock(ctx, engine.LockInfo{Owner: "alice@host", Operation: "deploy"})
	if err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	_, err = store.Lock(ctx, engine.LockInfo{Owner: "bob@host", Operation: "destroy"})
	if !engine.IsStateLocked(err) {
		t.Fatalf("expected state locked error, got: %v", err)
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Details["owner"] != "alice@host" {
		t.Errorf("expected holder alice@host in details, got %v", ee.Details)
	}

	holder, err := store.LockHolder(ctx)
	if err != nil || holder == nil {
		t.Fatalf("expected lock holder, got %v, %v", holder, err)
	}
	if holder.Operation != "deploy" || holder.ID == "" {
		t.Errorf("unexpected holder: %+v", holder)
	}

	if err := unlock(); err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}
	if holder, _ := store.LockHolder(ctx); holder != nil {
		t.Errorf("expected no holder after unlock, got %+v", holder)
	}
}

func TestSQLiteStore_ForceUnlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, engine.LockInfo{ID: "stale"}); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	if err := store.ForceUnlock(ctx, "other"); !engine.IsNotFound(err) {
		t.Errorf("expected not found for wrong lock ID, got: %v", err)
	}
	if err := store.ForceUnlock(ctx, "stale"); err != nil {
		t.Fatalf("failed to force unlock: %v", err)
	}
	if _, err := store.Lock(ctx, engine.LockInfo{}); err != nil {
		t.Errorf("expected lock to be free, got: %v", err)
	}
}

func TestSQLiteStore_RunHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		started := base.Add(time.Duration(i) * time.Minute)
		completed := started.Add(30 * time.Second)
		outcomes := []engine.StepOutcome{
			{EntryID: "b", Type: "vm", Action: engine.ActionCreate, Order: 1, Status: engine.StepStatusFailed, StartedAt: started, CompletedAt: completed, Duration: 2 * time.Second, Error: "boom", Code: engine.ErrCodeHandlerFailed},
			{EntryID: "a", Type: "net", Action: engine.ActionCreate, Order: 0, Status: engine.StepStatusSucceeded, StartedAt: started, CompletedAt: completed, Duration: time.Second},
		}
		run := &engine.Run{
			ID:          id,
			PlanID:      "plan-" + id,
			Command:     "deploy",
			Status:      engine.RunStatusPartial,
			StartedAt:   started,
			CompletedAt: &completed,
			User:        "alice",
			Summary:     engine.Summarize(outcomes),
		}
		if err := store.RecordRun(ctx, run, outcomes); err != nil {
			t.Fatalf("failed to record %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Fatalf("expected newest two runs, got %+v", runs)
	}
	if runs[0].Summary.Failed != 1 || runs[0].Summary.Succeeded != 1 {
		t.Errorf("unexpected summary: %+v", runs[0].Summary)
	}
	if runs[0].CompletedAt == nil || !runs[0].StartedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("unexpected times: %v %v", runs[0].StartedAt, runs[0].CompletedAt)
	}

	outcomes, err := store.GetRunOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get outcomes: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].EntryID != "a" || outcomes[1].Error != "boom" {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[1].Duration != 2*time.Second || outcomes[1].Status != engine.StepStatusFailed || outcomes[1].Code != engine.ErrCodeHandlerFailed {
		t.Errorf("unexpected decoded outcome: %+v", outcomes[1])
	}

	if _, err := store.GetRunOutcomes(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}

	removed, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned runs, got %d", removed)
	}
	var steps int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM step_results").Scan(&steps); err != nil {
		t.Fatalf("failed to count step results: %v", err)
	}
	if steps != 2 {
		t.Errorf("expected step results of pruned runs to cascade, got %d rows", steps)
	}

	if err := store.DeleteRun(ctx, "run-3"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-3"); !engine.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got: %v", err)
	}
}

func TestSQLiteStore_RecordRunReplacesOutcomes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &engine.Run{ID: "run-1", Status: engine.RunStatusRunning, StartedAt: now}
	first := []engine.StepOutcome{{EntryID: "a", Type: "t", Action: engine.ActionCreate, Status: engine.StepStatusSucceeded, StartedAt: now, CompletedAt: now}}
	if err := store.RecordRun(ctx, run, first); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run.Status = engine.RunStatusSucceeded
	if err := store.RecordRun(ctx, run, nil); err != nil {
		t.Fatalf("failed to re-record run: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("expected status succeeded, got %s", got.Status)
	}
	outcomes, _ := store.GetRunOutcomes(ctx, "run-1")
	if len(outcomes) != 0 {
		t.Errorf("expected outcomes to be replaced, got %d", len(outcomes))
	}

	if err := store.RecordRun(ctx, &engine.Run{}, nil); err == nil {
		t.Error("expected error for run without ID")
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	publisher.Subscribe(store.EventSink(ctx), nil)

	_ = publisher.PublishRunStarted("run-1", "deploy")
	_ = publisher.PublishStepFinished("run-1", "db", "create", "failed", time.Second, errors.New("denied"))
	_ = publisher.PublishRunStarted("run-2", "destroy")

	events, err := store.ListEvents(ctx, EventQuery{RunID: "run-1"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(events))
	}
	if events[0].Type != telemetry.EventTypeRunStarted || events[1].Type != telemetry.EventTypeStepFailed {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].EntryID != "db" || events[1].Level != telemetry.EventLevelError {
		t.Errorf("unexpected step event: %+v", events[1])
	}

	// Recording the same event twice keeps one copy.
	if err := store.RecordEvent(ctx, events[0]); err != nil {
		t.Fatalf("failed to re-record event: %v", err)
	}
	started, err := store.ListEvents(ctx, EventQuery{Type: telemetry.EventTypeRunStarted})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(started) != 2 {
		t.Errorf("expected 2 run.started events, got %d", len(started))
	}

	limited, _ := store.ListEvents(ctx, EventQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestSQLiteStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Save(ctx, testGraph()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if diff := cmp.Diff(testGraph(), loaded); diff != "" {
		t.Errorf("state did not survive reopen (-want +got):\n%s", diff)
	}
}
