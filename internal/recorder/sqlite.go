package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"potion-flow-monitor/internal/cache"
)

const (
	insertEventSQL = `INSERT INTO refresh_events
        (resource, started_at, duration_ms, version, outcome, error)
        VALUES (?,?,?,?,?,?)`

	listRecentEventsSQL = `SELECT id, resource, started_at, duration_ms, version, outcome, error
        FROM refresh_events
        ORDER BY started_at DESC, id DESC
        LIMIT ?`

	summariesSQL = `SELECT
            resource,
            COUNT(*),
            SUM(CASE WHEN outcome IN ('failed', 'fallback') THEN 1 ELSE 0 END),
            MAX(started_at),
            COALESCE(MAX(CASE WHEN outcome IN ('failed', 'fallback') THEN started_at END), 0)
        FROM refresh_events
        GROUP BY resource
        ORDER BY resource`

	lastErrorSQL = `SELECT error FROM refresh_events
        WHERE resource = ? AND error <> ''
        ORDER BY started_at DESC, id DESC
        LIMIT 1`

	deleteEventsBeforeSQL = `DELETE FROM refresh_events WHERE started_at < ?`
)

// SQLiteRecorder persists refresh events to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the journal at dbPath. ":memory:" is accepted.
func NewSQLiteRecorder(dbPath string, logger zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接: 内存库每个连接都是独立实例
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.logger.Info().Str("path", dbPath).Msg("refresh journal opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refresh_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			resource    TEXT    NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			version     INTEGER NOT NULL,
			outcome     TEXT    NOT NULL,
			error       TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_events_started ON refresh_events(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_events_resource ON refresh_events(resource, started_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// ObserveRefresh journals one refresh attempt. Write failures are logged.
func (r *SQLiteRecorder) ObserveRefresh(e cache.RefreshEvent) {
	errMsg := ""
	if e.Err != nil {
		errMsg = e.Err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(insertEventSQL,
		e.Resource,
		e.StartedAt.UTC().UnixMilli(),
		e.Duration.Milliseconds(),
		int64(e.Version),
		string(OutcomeOf(e)),
		errMsg,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("resource", e.Resource).Msg("record refresh event")
	}
}

// ListRecent returns the newest limit events, newest first.
func (r *SQLiteRecorder) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list refresh events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e          Event
			startedMs  int64
			durationMs int64
			version    int64
			outcome    string
		)
		if err := rows.Scan(&e.ID, &e.Resource, &startedMs, &durationMs, &version, &outcome, &e.Error); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(startedMs).UTC()
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.Version = uint64(version)
		e.Outcome = Outcome(outcome)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summaries aggregates attempts and failures per resource.
func (r *SQLiteRecorder) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, summariesSQL)
	if err != nil {
		return nil, fmt.Errorf("summarise refresh events: %w", err)
	}

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			s                  Summary
			lastMs, lastFailMs int64
		)
		if err := rows.Scan(&s.Resource, &s.Attempts, &s.Failures, &lastMs, &lastFailMs); err != nil {
			rows.Close()
			return nil, err
		}
		s.LastAttemptAt = time.UnixMilli(lastMs).UTC()
		if lastFailMs > 0 {
			s.LastFailureAt = time.UnixMilli(lastFailMs).UTC()
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Failures == 0 {
			continue
		}
		err := r.db.QueryRowContext(ctx, lastErrorSQL, out[i].Resource).Scan(&out[i].LastError)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("last error for %s: %w", out[i].Resource, err)
		}
	}
	return out, nil
}

// DeleteBefore prunes events that started before olderThan.
func (r *SQLiteRecorder) DeleteBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, deleteEventsBeforeSQL, olderThan.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete refresh events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (r *SQLiteRecorder) Close() error {
	r.logger.Info().Msg("closing refresh journal")
	return r.db.Close()
}

var _ Recorder = (*SQLiteRecorder)(nil)
