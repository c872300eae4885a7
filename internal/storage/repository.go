package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"signal-fusion/internal/fusion"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	alertColumns = `id,
        entity_key,
        fired_at,
        score,
        distinct_sources,
        sources,
        policy,
        display_name,
        symbol,
        chain,
        entry_price,
        contributions,
        created_at`

	// The unique (entity_key, fired_at) pair makes a retried save idempotent.
	saveAlertSQL = `INSERT INTO fusion_alerts (
        entity_key,
        fired_at,
        score,
        distinct_sources,
        sources,
        policy,
        display_name,
        symbol,
        chain,
        entry_price,
        contributions
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (entity_key, fired_at) DO UPDATE
    SET
        display_name = COALESCE(EXCLUDED.display_name, fusion_alerts.display_name),
        chain        = COALESCE(EXCLUDED.chain, fusion_alerts.chain),
        entry_price  = COALESCE(fusion_alerts.entry_price, EXCLUDED.entry_price)
    RETURNING id, COALESCE(entry_price::text, '');`

	upsertFollowUpSQL = `INSERT INTO fusion_alert_followups (
        alert_id,
        field,
        price,
        return_pct
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (alert_id, field) DO UPDATE
    SET price       = EXCLUDED.price,
        return_pct  = EXCLUDED.return_pct,
        recorded_at = now();`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM fusion_alerts
    ORDER BY fired_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT ` + alertColumns + `
    FROM fusion_alerts
    WHERE fired_at >= $1
      AND fired_at < $2
    ORDER BY fired_at;`

	listMissingFollowUpsSQL = `SELECT ` + alertColumns + `
    FROM fusion_alerts a
    WHERE a.fired_at <= $2
      AND a.entry_price > 0
      AND NOT EXISTS (
          SELECT 1 FROM fusion_alert_followups f
          WHERE f.alert_id = a.id AND f.field = $1
      )
    ORDER BY a.fired_at
    LIMIT $3;`

	listFollowUpsSQL = `SELECT
        alert_id,
        field,
        price::text,
        return_pct::text,
        recorded_at
    FROM fusion_alert_followups
    WHERE alert_id = ANY($1);`

	sourceHitRatesSQL = `SELECT s.source,
        AVG(CASE WHEN f.return_pct > 0 THEN 1.0 ELSE 0.0 END)::float8,
        COUNT(*)
    FROM fusion_alerts a
    CROSS JOIN LATERAL unnest(a.sources) AS s(source)
    JOIN fusion_alert_followups f ON f.alert_id = a.id AND f.field = $1
    WHERE a.fired_at >= $2
    GROUP BY s.source
    HAVING COUNT(*) >= $3;`

	countAlertsSQL = `SELECT COUNT(*) FROM fusion_alerts;`

	deleteAlertsBeforeSQL = `DELETE FROM fusion_alerts WHERE fired_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertHistory exposes read and retention operations over persisted alerts.
type AlertHistory interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRow, error)
	ListMissingFollowUps(ctx context.Context, field string, firedBefore time.Time, limit int) ([]AlertRow, error)
	CountAlerts(ctx context.Context) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// QualityStats aggregates per-source outcomes for reliability scoring.
type QualityStats interface {
	SourceHitRates(ctx context.Context, field string, since time.Time, minSamples int) (map[string]float64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists fired alerts and their follow-ups in PostgreSQL.
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

// Save persists a fired alert and returns its id and recorded entry price.
func (s *Store) Save(ctx context.Context, rec fusion.AlertRecord) (int64, decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, decimal.Zero, err
	}

	contributions, err := json.Marshal(rec.Contributions())
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("marshal contributions: %w", err)
	}

	var entry interface{}
	if rec.EntryPrice.IsPositive() {
		entry = rec.EntryPrice.String()
	}

	var (
		id       int64
		entryStr string
	)
	if err := pool.QueryRow(ctx, saveAlertSQL,
		rec.EntityKey,
		rec.FiredAt,
		rec.Score,
		rec.DistinctSources,
		rec.Sources(),
		rec.Policy,
		nullableText(rec.DisplayName),
		nullableText(rec.Symbol),
		nullableText(rec.Chain),
		entry,
		contributions,
	).Scan(&id, &entryStr); err != nil {
		return 0, decimal.Zero, fmt.Errorf("save alert: %w", err)
	}

	if entryStr == "" {
		return id, decimal.Zero, nil
	}
	initial, err := decimal.NewFromString(entryStr)
	if err != nil {
		return id, decimal.Zero, fmt.Errorf("parse entry price: %w", err)
	}
	return id, initial, nil
}

// UpdateFollowUp records a deferred price measurement for an alert.
func (s *Store) UpdateFollowUp(ctx context.Context, id int64, field string, price, returnPct decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertFollowUpSQL, id, field, price.String(), returnPct.String()); execErr != nil {
		return fmt.Errorf("update follow-up %s: %w", field, execErr)
	}
	return nil
}

// ListRecentAlerts lists the most recent alerts ordered by descending fire time.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	return s.queryAlerts(ctx, "list recent alerts", listRecentAlertsSQL, limit)
}

// ListAlertsBetween lists alerts fired within [from, to).
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRow, error) {
	return s.queryAlerts(ctx, "list alerts between", listAlertsBetweenSQL, from, to)
}

// ListMissingFollowUps lists priced alerts fired before firedBefore with no value for field.
func (s *Store) ListMissingFollowUps(ctx context.Context, field string, firedBefore time.Time, limit int) ([]AlertRow, error) {
	return s.queryAlerts(ctx, "list missing follow-ups", listMissingFollowUpsSQL, field, firedBefore, limit)
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// DeleteAlertsBefore deletes historical alerts and their follow-ups.
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

// SourceHitRates returns, per source, the share of its alerts whose follow-up
// return for field was positive.
func (s *Store) SourceHitRates(ctx context.Context, field string, since time.Time, minSamples int) (map[string]float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sourceHitRatesSQL, field, since, minSamples)
	if queryErr != nil {
		return nil, fmt.Errorf("source hit rates: %w", queryErr)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var (
			source  string
			rate    float64
			samples int64
		)
		if err := rows.Scan(&source, &rate, &samples); err != nil {
			return nil, err
		}
		rates[source] = rate
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rates, nil
}

func (s *Store) queryAlerts(ctx context.Context, op, query string, args ...interface{}) ([]AlertRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRow, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := s.attachFollowUps(ctx, pool, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) attachFollowUps(ctx context.Context, pool *pgxpool.Pool, alerts []AlertRow) error {
	if len(alerts) == 0 {
		return nil
	}
	ids := make([]int64, len(alerts))
	index := make(map[int64]int, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
		index[a.ID] = i
	}

	rows, err := pool.Query(ctx, listFollowUpsSQL, ids)
	if err != nil {
		return fmt.Errorf("list follow-ups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alertID   int64
			fu        FollowUpRow
			priceStr  string
			returnStr string
		)
		if err := rows.Scan(&alertID, &fu.Field, &priceStr, &returnStr, &fu.RecordedAt); err != nil {
			return err
		}
		if fu.Price, err = decimal.NewFromString(priceStr); err != nil {
			return fmt.Errorf("parse follow-up price: %w", err)
		}
		if fu.ReturnPct, err = decimal.NewFromString(returnStr); err != nil {
			return fmt.Errorf("parse follow-up return: %w", err)
		}
		alert := &alerts[index[alertID]]
		if alert.FollowUps == nil {
			alert.FollowUps = make(map[string]FollowUpRow)
		}
		alert.FollowUps[fu.Field] = fu
	}
	return rows.Err()
}

func scanAlert(rows pgx.Rows) (AlertRow, error) {
	var (
		row           AlertRow
		displayName   sql.NullString
		symbol        sql.NullString
		chain         sql.NullString
		entryPrice    sql.NullString
		contributions json.RawMessage
	)

	if err := rows.Scan(
		&row.ID,
		&row.EntityKey,
		&row.FiredAt,
		&row.Score,
		&row.DistinctSources,
		&row.Sources,
		&row.Policy,
		&displayName,
		&symbol,
		&chain,
		&entryPrice,
		&contributions,
		&row.CreatedAt,
	); err != nil {
		return AlertRow{}, err
	}

	row.DisplayName = displayName.String
	row.Symbol = symbol.String
	row.Chain = chain.String

	if entryPrice.Valid {
		price, err := decimal.NewFromString(entryPrice.String)
		if err != nil {
			return AlertRow{}, fmt.Errorf("parse entry price: %w", err)
		}
		row.EntryPrice = price
	}
	if len(contributions) > 0 {
		if err := json.Unmarshal(contributions, &row.Contributions); err != nil {
			return AlertRow{}, fmt.Errorf("decode contributions: %w", err)
		}
	}
	return row, nil
}

func nullableText(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
