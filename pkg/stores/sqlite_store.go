package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const stateLockName = "state"

// SQLiteStore keeps state, locks, run history and events in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// EventQuery filters ListEvents.
type EventQuery struct {
	RunID string
	Type  string
	Limit int
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLite creates, initializes and migrates a store.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !isMemoryPath(s.cfg.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Name returns the backend kind.
func (s *SQLiteStore) Name() string {
	return string(BackendSQLite)
}

// Load returns the stored graph.
func (s *SQLiteStore) Load(ctx context.Context) (engine.EntryStates, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, dependencies, parameters, result, superseded
		FROM state_entries
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	defer rows.Close()

	entries := engine.EntryStates{}
	for rows.Next() {
		var (
			e                          engine.Entry
			deps                       string
			params, result, superseded sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &deps, &params, &result, &superseded); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &e.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of %s: %w", e.ID, err)
		}
		if params.Valid {
			e.Parameters = json.RawMessage(params.String)
		}
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		if superseded.Valid {
			if err := json.Unmarshal([]byte(superseded.String), &e.Superseded); err != nil {
				return nil, fmt.Errorf("failed to decode superseded resources of %s: %w", e.ID, err)
			}
		}
		entries[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// Save replaces the stored graph in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, entries engine.EntryStates) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries`); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO state_entries (id, type, dependencies, parameters, result, superseded, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range entries.IDs() {
		e := entries[id]
		deps, err := json.Marshal(e.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to encode dependencies of %s: %w", id, err)
		}
		var superseded json.RawMessage
		if len(e.Superseded) > 0 {
			if superseded, err = json.Marshal(e.Superseded); err != nil {
				return fmt.Errorf("failed to encode superseded resources of %s: %w", id, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Type, string(deps), nullableJSON(e.Parameters), nullableJSON(e.Result), nullableJSON(superseded), now); err != nil {
			return fmt.Errorf("failed to save entry %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_meta (key, value) VALUES ('serial', '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
	`); err != nil {
		return fmt.Errorf("failed to bump serial: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO state_meta (key, value) VALUES ('lineage', ?)`, uuid.NewString()); err != nil {
		return fmt.Errorf("failed to set lineage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_meta (key, value) VALUES ('updated_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to set update time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Document returns the stored graph with its serial and lineage, or nil
// when nothing was saved yet.
func (s *SQLiteStore) Document(ctx context.Context) (*StateDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state_meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to read state metadata: %w", err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan state metadata: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state metadata: %w", err)
	}
	if meta["serial"] == "" {
		return nil, nil
	}

	entries, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	doc := &StateDocument{Version: StateVersion, Lineage: meta["lineage"], Entries: entries}
	if doc.Serial, err = strconv.ParseInt(meta["serial"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid state serial %q: %w", meta["serial"], err)
	}
	if ts := meta["updated_at"]; ts != "" {
		if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("invalid state update time %q: %w", ts, err)
		}
	}
	return doc, nil
}

// Lock inserts the single lock row. An existing row yields a state locked
// error describing its holder.
func (s *SQLiteStore) Lock(ctx context.Context, info engine.LockInfo) (engine.UnlockFunc, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (name, id, owner, operation, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, stateLockName, info.ID, info.Owner, info.Operation, info.Created)
	if err != nil {
		if holder, herr := s.LockHolder(ctx); herr == nil && holder != nil {
			return nil, engine.NewStateLockedError(*holder, err)
		}
		return nil, fmt.Errorf("failed to acquire state lock: %w", err)
	}

	return func() error {
		if _, err := s.db.ExecContext(context.Background(), `DELETE FROM locks WHERE name = ? AND id = ?`, stateLockName, info.ID); err != nil {
			return fmt.Errorf("failed to release state lock: %w", err)
		}
		return nil
	}, nil
}

// LockHolder returns the current lock holder, or nil when unlocked.
func (s *SQLiteStore) LockHolder(ctx context.Context) (*engine.LockInfo, error) {
	var info engine.LockInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, operation, created_at FROM locks WHERE name = ?
	`, stateLockName).Scan(&info.ID, &info.Owner, &info.Operation, &info.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state lock: %w", err)
	}
	return &info, nil
}

// ForceUnlock removes the lock with the given ID.
func (s *SQLiteStore) ForceUnlock(ctx context.Context, lockID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND id = ?`, stateLockName, lockID)
	if err != nil {
		return fmt.Errorf("failed to remove state lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errNotFound("lock", lockID)
	}
	return nil
}

// RecordRun stores a finished run and replaces its step outcomes.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.Run, outcomes []engine.StepOutcome) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, command, status, username, started_at, completed_at, total, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			command = excluded.command,
			status = excluded.status,
			username = excluded.username,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped
	`,
		run.ID,
		run.PlanID,
		run.Command,
		string(run.Status),
		run.User,
		run.StartedAt,
		run.CompletedAt,
		run.Summary.Total,
		run.Summary.Succeeded,
		run.Summary.Failed,
		run.Summary.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear step results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO step_results (run_id, entry_id, type, action, step_order, status, started_at, completed_at, duration_ns, error, code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		_, err := stmt.ExecContext(ctx,
			run.ID,
			o.EntryID,
			o.Type,
			string(o.Action),
			o.Order,
			string(o.Status),
			o.StartedAt,
			o.CompletedAt,
			int64(o.Duration),
			o.Error,
			o.Code,
		)
		if err != nil {
			return fmt.Errorf("failed to record step %s: %w", o.EntryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, plan_id, command, status, username, started_at, completed_at, total, succeeded, failed, skipped`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (engine.Run, error) {
	var (
		run       engine.Run
		status    string
		completed sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Command,
		&status,
		&run.User,
		&run.StartedAt,
		&completed,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Failed,
		&run.Summary.Skipped,
	)
	if err != nil {
		return run, err
	}
	run.Status = engine.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first. A non-positive
// limit returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]engine.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// GetRunOutcomes returns the step outcomes of one run in execution order.
func (s *SQLiteStore) GetRunOutcomes(ctx context.Context, runID string) ([]engine.StepOutcome, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, type, action, step_order, status, started_at, completed_at, duration_ns, error, code
		FROM step_results
		WHERE run_id = ?
		ORDER BY step_order ASC, entry_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	outcomes := []engine.StepOutcome{}
	for rows.Next() {
		var (
			o              engine.StepOutcome
			action, status string
			duration       int64
		)
		err := rows.Scan(&o.EntryID, &o.Type, &action, &o.Order, &status, &o.StartedAt, &o.CompletedAt, &duration, &o.Error, &o.Code)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		o.Action = engine.Action(action)
		o.Status = engine.StepStatus(status)
		o.Duration = time.Duration(duration)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return outcomes, nil
}

// DeleteRun deletes a run and its step results.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errNotFound("run", id)
	}
	return nil
}

// PruneRuns deletes all but the newest keep runs and returns how many
// were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// RecordEvent appends an event. Re-recording an event ID is a no-op.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event telemetry.Event) error {
	var data interface{}
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(b)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, timestamp, type, source, run_id, entry_id, level, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp,
		event.Type,
		event.Source,
		event.RunID,
		event.EntryID,
		event.Level,
		event.Message,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events in the order they were recorded.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	query := `
		SELECT id, timestamp, type, source, run_id, entry_id, level, message, data
		FROM events
		WHERE 1=1
	`
	var args []interface{}
	if q.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			ev   telemetry.Event
			data sql.NullString
		)
		err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.Source, &ev.RunID, &ev.EntryID, &ev.Level, &ev.Message, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSink returns a subscriber that records published events. Failures
// are logged through the logger carried by ctx.
func (s *SQLiteStore) EventSink(ctx context.Context) telemetry.EventSubscriber {
	ctx = context.WithoutCancel(ctx)
	logger := telemetry.FromContext(ctx).NewComponentLogger("event-sink")
	return func(event telemetry.Event) {
		if err := s.RecordEvent(ctx, event); err != nil {
			logger.WithError(err).WithField("event_type", event.Type).Warn("failed to record event")
		}
	}
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
