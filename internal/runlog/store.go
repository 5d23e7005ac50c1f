// Package runlog journals terminal run reports in SQLite so outcomes can be
// listed and tallied after the fact.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/botrelay/internal/supervisor"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// timeLayout is fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a run journal backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ supervisor.Recorder = (*Store)(nil)

// Open creates or opens a journal at dbPath. MemoryPath gives each Store its
// own in-memory database that lives until Close.
func Open(dbPath string) (*Store, error) {
	memory := dbPath == MemoryPath
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath)
	if memory {
		dsn = fmt.Sprintf("file:runlog-%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers on file databases.
	db.SetMaxOpenConns(1)

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Debug("Applying runlog migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the runs table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL DEFAULT '',
			identity TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// migrateV2 adds per-run counters so partial progress survives any outcome.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_counters (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			value INTEGER NOT NULL,
			PRIMARY KEY (run_id, name)
		)
	`)
	return err
}

// RecordRun stores a terminal report. Recording the same run id again
// replaces the earlier entry.
func (s *Store) RecordRun(ctx context.Context, r supervisor.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
			(id, goal, identity, outcome, summary, error, started_at, duration_ms, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Goal, r.Identity, string(r.Outcome), r.Summary, r.Error,
		r.StartedAt.UTC().Format(timeLayout), r.Duration.Milliseconds(), r.Progress,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_counters WHERE run_id = ?", r.RunID); err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	for name, value := range r.Counters {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO run_counters (run_id, name, value) VALUES (?, ?, ?)",
			r.RunID, name, value,
		); err != nil {
			return fmt.Errorf("insert counter %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns up to limit reports, newest first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]supervisor.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, goal, identity, outcome, summary, error, started_at, duration_ms, progress
		FROM runs ORDER BY started_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var reports []supervisor.Report
	for rows.Next() {
		var (
			r          supervisor.Report
			outcome    string
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&r.RunID, &r.Goal, &r.Identity, &outcome, &r.Summary, &r.Error, &startedAt, &durationMS, &r.Progress); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Outcome = supervisor.State(outcome)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", r.RunID, err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range reports {
		counters, err := s.counters(ctx, reports[i].RunID)
		if err != nil {
			return nil, err
		}
		reports[i].Counters = counters
	}
	return reports, nil
}

func (s *Store) counters(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM run_counters WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int)
	for rows.Next() {
		var name string
		var value int
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters[name] = value
	}
	return counters, rows.Err()
}

// CountByOutcome tallies recorded runs per terminal state.
func (s *Store) CountByOutcome(ctx context.Context) (map[supervisor.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM runs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[supervisor.State]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[supervisor.State(outcome)] = n
	}
	return counts, rows.Err()
}
