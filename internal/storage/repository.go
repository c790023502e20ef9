package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertObservationSQL = `INSERT INTO level_observations (
        observed_at,
        cauldron_levels
    ) VALUES (
        $1,$2
    )
    ON CONFLICT (observed_at) DO NOTHING;`

	listObservationsBetweenSQL = `SELECT
        observed_at,
        cauldron_levels
    FROM level_observations
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentObservationsSQL = `SELECT observed_at, cauldron_levels FROM (
        SELECT observed_at, cauldron_levels
        FROM level_observations
        ORDER BY observed_at DESC
        LIMIT $1
    ) recent
    ORDER BY observed_at;`

	deleteObservationsBeforeSQL = `DELETE FROM level_observations WHERE observed_at < $1;`

	countObservationsSQL = `SELECT COUNT(*) FROM level_observations;`

	insertAlertSQL = `INSERT INTO ticket_alerts (
        ticket_id,
        cauldron_id,
        courier_id,
        severity,
        reason,
        amount_collected,
        ticket_date,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (ticket_id) DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        ticket_id,
        cauldron_id,
        courier_id,
        severity,
        reason,
        amount_collected,
        ticket_date,
        channels,
        created_at
    FROM ticket_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM ticket_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LevelStore persists cauldron level observations.
type LevelStore interface {
	UpsertObservations(ctx context.Context, observations []model.LevelObservation) (int64, error)
	ListObservationsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error)
	ListRecentObservations(ctx context.Context, limit int) ([]model.LevelObservation, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	CountObservations(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	// InsertAlert reports inserted=false when the ticket was alerted before.
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to level observations and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort: the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertObservations batches inserts; existing timestamps are left alone.
// It returns the number of new rows.
func (s *Store) UpsertObservations(ctx context.Context, observations []model.LevelObservation) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(observations) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, obs := range observations {
		levels, err := json.Marshal(obs.CauldronLevels)
		if err != nil {
			return 0, fmt.Errorf("encode cauldron levels: %w", err)
		}
		batch.Queue(upsertObservationSQL, obs.Timestamp.UTC(), levels)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range observations {
		tag, execErr := results.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("upsert observation: %w", execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListObservationsBetween lists observations within [from, to).
func (s *Store) ListObservationsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	return collectObservations(rows)
}

// ListRecentObservations returns the newest limit observations, oldest first.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]model.LevelObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentObservationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	return collectObservations(rows)
}

// DeleteObservationsBefore prunes old observations.
func (s *Store) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteObservationsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete observations before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission once per ticket.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.TicketID,
		alert.CauldronID,
		alert.CourierID,
		string(alert.Severity),
		alert.Reason,
		alert.AmountCollected.String(),
		alert.TicketDate,
		alert.Channels,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert, false, nil
		}
		return AlertRecord{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var severity, amountStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.TicketID,
			&rec.CauldronID,
			&rec.CourierID,
			&severity,
			&rec.Reason,
			&amountStr,
			&rec.TicketDate,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Severity = model.Severity(severity)
		var convErr error
		rec.AmountCollected, convErr = decimal.NewFromString(amountStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse amount collected: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectObservations(rows pgx.Rows) ([]model.LevelObservation, error) {
	defer rows.Close()

	observations := make([]model.LevelObservation, 0)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func scanObservation(rows pgx.Rows) (model.LevelObservation, error) {
	var (
		observedAt time.Time
		raw        []byte
	)
	if err := rows.Scan(&observedAt, &raw); err != nil {
		return model.LevelObservation{}, err
	}

	levels := make(map[string]float64)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &levels); err != nil {
			return model.LevelObservation{}, fmt.Errorf("decode cauldron levels: %w", err)
		}
	}
	return model.LevelObservation{Timestamp: observedAt.UTC(), CauldronLevels: levels}, nil
}

var (
	_ LevelStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
