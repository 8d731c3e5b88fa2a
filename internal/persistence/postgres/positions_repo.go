package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
)

// positionRow adds the persisted state name to a position
type positionRow struct {
	exits.Position
	StateName string `db:"state"`
}

// positionRepo implements PositionRepo for PostgreSQL
type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates a new PostgreSQL position repository
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionRepo {
	return &positionRepo{db: db, timeout: timeout}
}

// Save upserts a position by ID
func (r *positionRepo) Save(ctx context.Context, p exits.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO positions (id, decision_id, symbol, sector, state, entry, initial_stop, stop,
			target1, target2, lot, remaining, opened_at, closed_at, high_water_mark,
			last_price, realized_pnl, unrealized_pnl)
		VALUES (:id, :decision_id, :symbol, :sector, :state, :entry, :initial_stop, :stop,
			:target1, :target2, :lot, :remaining, :opened_at, :closed_at, :high_water_mark,
			:last_price, :realized_pnl, :unrealized_pnl)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			stop = EXCLUDED.stop,
			remaining = EXCLUDED.remaining,
			closed_at = EXCLUDED.closed_at,
			high_water_mark = EXCLUDED.high_water_mark,
			last_price = EXCLUDED.last_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at = now()`

	if _, err := r.db.NamedExecContext(ctx, query, positionRow{Position: p, StateName: p.StateName()}); err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

// ListOpen returns positions that are neither closed nor archived
func (r *positionRepo) ListOpen(ctx context.Context) ([]exits.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, decision_id, symbol, sector, state, entry, initial_stop, stop,
			target1, target2, lot, remaining, opened_at, closed_at, high_water_mark,
			last_price, realized_pnl, unrealized_pnl
		FROM positions
		WHERE NOT archived AND state <> $1
		ORDER BY symbol`

	var rows []positionRow
	if err := r.db.SelectContext(ctx, &rows, query, exits.Closed.String()); err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}

	out := make([]exits.Position, 0, len(rows))
	for _, row := range rows {
		state, err := exits.ParseState(row.StateName)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", row.ID, err)
		}
		p := row.Position
		p.State = state
		out = append(out, p)
	}
	return out, nil
}

// Archive flags a position so it no longer loads as open
func (r *positionRepo) Archive(ctx context.Context, p exits.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE positions SET archived = true, state = $2, closed_at = $3, realized_pnl = $4, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, p.ID, p.StateName(), p.ClosedAt, p.RealizedPnL); err != nil {
		return fmt.Errorf("failed to archive position %s: %w", p.ID, err)
	}
	return nil
}
