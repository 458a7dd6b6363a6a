package storage

// sqlite.go — journal de legs, fills y ciclos sobre SQLite (pure Go, sin CGo).
//
// Estrategia:
//   - `legs`: una fila por orden del ladder, actualizada en cada transición.
//   - `fills`: append-only, UNIQUE(venue_id, cumulative_qty) — una redelivery
//     del mismo evento de fill es un no-op, también tras un restart.
//   - `round_trips` / `daily_summaries`: histórico de ciclos de de-risk.
//   - Prune automático al arrancar: fills > 30d, summaries > 90d.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS legs (
    id           TEXT PRIMARY KEY,
    venue_id     TEXT NOT NULL DEFAULT '',
    condition_id TEXT NOT NULL,
    token_id     TEXT NOT NULL,
    role         TEXT NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    size         REAL NOT NULL,
    filled_qty   REAL NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    placed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS fills (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    leg_id         TEXT NOT NULL DEFAULT '',
    venue_id       TEXT NOT NULL,
    condition_id   TEXT NOT NULL,
    side           TEXT NOT NULL,
    price          REAL NOT NULL,
    qty            REAL NOT NULL,
    cumulative_qty REAL NOT NULL,
    ts             DATETIME NOT NULL,
    UNIQUE(venue_id, cumulative_qty)
);

CREATE TABLE IF NOT EXISTS round_trips (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    condition_id TEXT NOT NULL,
    policy       TEXT NOT NULL,
    quantity     REAL NOT NULL DEFAULT 0,
    avg_cost     REAL NOT NULL DEFAULT 0,
    realized_pnl REAL NOT NULL DEFAULT 0,
    opened_at    DATETIME,
    closed_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    day            DATETIME NOT NULL,
    active_markets INTEGER NOT NULL DEFAULT 0,
    legs_placed    INTEGER NOT NULL DEFAULT 0,
    legs_cancelled INTEGER NOT NULL DEFAULT 0,
    fills          INTEGER NOT NULL DEFAULT 0,
    round_trips    INTEGER NOT NULL DEFAULT 0,
    realized_pnl   REAL    NOT NULL DEFAULT 0,
    capital_in_use REAL    NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_legs_status   ON legs(status);
CREATE INDEX IF NOT EXISTS idx_legs_market   ON legs(condition_id);
CREATE INDEX IF NOT EXISTS idx_fills_market  ON fills(condition_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_trips_closed  ON round_trips(closed_at DESC);
`

const (
	retentionFills     = 30 * 24 * time.Hour
	retentionSummaries = 90 * 24 * time.Hour
)

// SQLiteJournal implementa ports.Journal.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal abre (o crea) la base de datos en la ruta dada, aplica el
// schema y limpia datos antiguos.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.ApplySchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	j.pruneOld(context.Background())
	return j, nil
}

// ApplySchema crea las tablas si no existen.
func (j *SQLiteJournal) ApplySchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

// SaveLeg inserta una leg recién colocada.
func (j *SQLiteJournal) SaveLeg(ctx context.Context, leg domain.OrderLeg) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO legs (id, venue_id, condition_id, token_id, role, side, price, size, filled_qty, status, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			venue_id   = excluded.venue_id,
			price      = excluded.price,
			size       = excluded.size,
			filled_qty = excluded.filled_qty,
			status     = excluded.status`,
		leg.ID, leg.VenueID, leg.ConditionID, leg.TokenID,
		string(leg.Role), string(leg.Side), leg.Price, leg.Size,
		leg.FilledQty, string(leg.Status), nullTime(leg.PlacedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveLeg: %w", err)
	}
	return nil
}

// UpdateLeg actualiza el estado mutable de una leg.
func (j *SQLiteJournal) UpdateLeg(ctx context.Context, leg domain.OrderLeg) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE legs SET venue_id = ?, filled_qty = ?, status = ? WHERE id = ?`,
		leg.VenueID, leg.FilledQty, string(leg.Status), leg.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateLeg: %w", err)
	}
	return nil
}

// OpenLegs devuelve las legs que seguían abiertas según el journal.
func (j *SQLiteJournal) OpenLegs(ctx context.Context) ([]domain.OrderLeg, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, venue_id, condition_id, token_id, role, side, price, size, filled_qty, status, placed_at
		FROM legs
		WHERE status IN (?, ?, ?)`,
		string(domain.LegPending), string(domain.LegResting), string(domain.LegPartial),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenLegs: %w", err)
	}
	defer rows.Close()

	var legs []domain.OrderLeg
	for rows.Next() {
		var leg domain.OrderLeg
		var role, side, status string
		var placedAt sql.NullTime
		if err := rows.Scan(&leg.ID, &leg.VenueID, &leg.ConditionID, &leg.TokenID,
			&role, &side, &leg.Price, &leg.Size, &leg.FilledQty, &status, &placedAt); err != nil {
			return nil, fmt.Errorf("storage.OpenLegs: scan: %w", err)
		}
		leg.Role = domain.LegRole(role)
		leg.Side = domain.Side(side)
		leg.Status = domain.LegStatus(status)
		if placedAt.Valid {
			leg.PlacedAt = placedAt.Time
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

// SaveFill persiste un fill. Devuelve false sin error si ya existía una fila
// para el mismo (venue_id, cumulative_qty): el fill es una redelivery.
func (j *SQLiteJournal) SaveFill(ctx context.Context, fill domain.FillRecord) (bool, error) {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fills (leg_id, venue_id, condition_id, side, price, qty, cumulative_qty, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.LegID, fill.VenueID, fill.ConditionID, string(fill.Side),
		fill.Price, fill.Qty, fill.CumulativeQty, fill.Timestamp.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage.SaveFill: %w", err)
	}
	return true, nil
}

// FillsByMarket devuelve los fills de un mercado, más recientes primero.
func (j *SQLiteJournal) FillsByMarket(ctx context.Context, conditionID string) ([]domain.FillRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, leg_id, venue_id, condition_id, side, price, qty, cumulative_qty, ts
		FROM fills WHERE condition_id = ? ORDER BY ts DESC`,
		conditionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage.FillsByMarket: %w", err)
	}
	defer rows.Close()

	var fills []domain.FillRecord
	for rows.Next() {
		var f domain.FillRecord
		var side string
		if err := rows.Scan(&f.ID, &f.LegID, &f.VenueID, &f.ConditionID,
			&side, &f.Price, &f.Qty, &f.CumulativeQty, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("storage.FillsByMarket: scan: %w", err)
		}
		f.Side = domain.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// SaveRoundTrip persiste un ciclo de de-risk completado.
func (j *SQLiteJournal) SaveRoundTrip(ctx context.Context, rt domain.RoundTrip) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO round_trips (condition_id, policy, quantity, avg_cost, realized_pnl, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.ConditionID, string(rt.Policy), rt.Quantity, rt.AvgCost,
		rt.RealizedPnL, nullTime(rt.OpenedAt), rt.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveRoundTrip: %w", err)
	}
	return nil
}

// RoundTrips devuelve todos los ciclos registrados, más recientes primero.
func (j *SQLiteJournal) RoundTrips(ctx context.Context) ([]domain.RoundTrip, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, condition_id, policy, quantity, avg_cost, realized_pnl, opened_at, closed_at
		FROM round_trips ORDER BY closed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage.RoundTrips: %w", err)
	}
	defer rows.Close()

	var trips []domain.RoundTrip
	for rows.Next() {
		var rt domain.RoundTrip
		var policy string
		var openedAt sql.NullTime
		if err := rows.Scan(&rt.ID, &rt.ConditionID, &policy, &rt.Quantity,
			&rt.AvgCost, &rt.RealizedPnL, &openedAt, &rt.ClosedAt); err != nil {
			return nil, fmt.Errorf("storage.RoundTrips: scan: %w", err)
		}
		rt.Policy = domain.Policy(policy)
		if openedAt.Valid {
			rt.OpenedAt = openedAt.Time
		}
		trips = append(trips, rt)
	}
	return trips, rows.Err()
}

// SaveDailySummary persiste el resumen agregado del día.
func (j *SQLiteJournal) SaveDailySummary(ctx context.Context, d domain.DailySummary) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (day, active_markets, legs_placed, legs_cancelled, fills, round_trips, realized_pnl, capital_in_use)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Date.UTC(), d.ActiveMarkets, d.LegsPlaced, d.LegsCancelled,
		d.Fills, d.RoundTrips, d.RealizedPnL, d.CapitalInUse,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDailySummary: %w", err)
	}
	return nil
}

// ActivityCounts agrega la actividad registrada desde `since`. Las legs se
// filtran por placed_at, así que una leg cancelada cuenta en la ventana en la
// que se colocó.
func (j *SQLiteJournal) ActivityCounts(ctx context.Context, since time.Time) (domain.ActivityCounts, error) {
	var counts domain.ActivityCounts
	row := j.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM legs  WHERE placed_at >= ?),
			(SELECT COUNT(*) FROM legs  WHERE placed_at >= ? AND status = ?),
			(SELECT COUNT(*) FROM fills WHERE ts >= ?)`,
		since.UTC(), since.UTC(), string(domain.LegCancelled), since.UTC(),
	)
	if err := row.Scan(&counts.LegsPlaced, &counts.LegsCancelled, &counts.Fills); err != nil {
		return counts, fmt.Errorf("storage.ActivityCounts: %w", err)
	}
	return counts, nil
}

// Close cierra la base de datos.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// pruneOld borra histórico antiguo. Los errores solo se ignoran porque el
// prune es mantenimiento, nunca debe impedir el arranque.
func (j *SQLiteJournal) pruneOld(ctx context.Context) {
	now := time.Now().UTC()
	j.db.ExecContext(ctx, `DELETE FROM fills WHERE ts < ?`, now.Add(-retentionFills))
	j.db.ExecContext(ctx, `DELETE FROM daily_summaries WHERE day < ?`, now.Add(-retentionSummaries))
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation detecta el error de UNIQUE constraint de modernc/sqlite.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
