package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
)

// decisionLogRepo implements DecisionLogRepo for PostgreSQL
type decisionLogRepo struct {
	db        *sqlx.DB
	timeout   time.Duration
	retention int
}

// NewDecisionLogRepo creates a new PostgreSQL decision log repository. Each
// append trims its table to the newest retention rows; retention <= 0 keeps
// persistence.DefaultLogCapacity.
func NewDecisionLogRepo(db *sqlx.DB, timeout time.Duration, retention int) persistence.DecisionLogRepo {
	if retention <= 0 {
		retention = persistence.DefaultLogCapacity
	}
	return &decisionLogRepo{db: db, timeout: timeout, retention: retention}
}

// trim deletes rows beyond the retention, oldest first. A failed trim is
// retried by the next append.
func (r *decisionLogRepo) trim(ctx context.Context, query string) {
	res, err := r.db.ExecContext(ctx, query, r.retention)
	if err != nil {
		log.Warn().Err(err).Int("retention", r.retention).Msg("Failed to trim decision log")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Int64("deleted", n).Int("retention", r.retention).Msg("Decision log trimmed")
	}
}

const (
	trimDecisions = `
		DELETE FROM decision_log
		WHERE id IN (SELECT id FROM decision_log ORDER BY ts DESC OFFSET $1)`
	trimOutcomes = `
		DELETE FROM position_outcomes
		WHERE (position_id, state) IN (
			SELECT position_id, state FROM position_outcomes ORDER BY closed_at DESC OFFSET $1)`
)

const decisionColumns = `id, ts, symbol, label, signal, composite, confidence,
	technical, fundamental, news, regime, fallbacks,
	entry, stop, target1, target2, lot, risk, stop_policy,
	preset, preset_source, preset_rule, downgrade, actionable, risk_reason, alert`

// Append adds a decision record. A repeated ID is rejected.
func (r *decisionLogRepo) Append(ctx context.Context, rec persistence.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO decision_log (` + decisionColumns + `)
		VALUES (:id, :ts, :symbol, :label, :signal, :composite, :confidence,
			:technical, :fundamental, :news, :regime, :fallbacks,
			:entry, :stop, :target1, :target2, :lot, :risk, :stop_policy,
			:preset, :preset_source, :preset_rule, :downgrade, :actionable, :risk_reason, :alert)`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate decision %s: %w", rec.ID, err)
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	r.trim(ctx, trimDecisions)
	return nil
}

// AppendOutcome adds the outcome of a position transition. A replayed
// transition of the same position is ignored.
func (r *decisionLogRepo) AppendOutcome(ctx context.Context, o persistence.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO position_outcomes (position_id, decision_id, symbol, state, opened_at, closed_at,
			entry, exit_price, lot, pnl, r_multiple, reason)
		VALUES (:position_id, :decision_id, :symbol, :state, :opened_at, :closed_at,
			:entry, :exit_price, :lot, :pnl, :r_multiple, :reason)
		ON CONFLICT (position_id, state) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, o); err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	r.trim(ctx, trimOutcomes)
	return nil
}

// ListBySymbol returns up to limit records for symbol, newest first
func (r *decisionLogRepo) ListBySymbol(ctx context.Context, symbol string, limit int) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + decisionColumns + `
		FROM decision_log
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT $2`

	records := make([]persistence.DecisionRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, symbol, limit); err != nil {
		return nil, fmt.Errorf("failed to query decisions by symbol: %w", err)
	}
	return records, nil
}

// ListOutcomes returns up to limit outcomes, newest first
func (r *decisionLogRepo) ListOutcomes(ctx context.Context, limit int) ([]persistence.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT position_id, decision_id, symbol, state, opened_at, closed_at,
			entry, exit_price, lot, pnl, r_multiple, reason
		FROM position_outcomes
		ORDER BY closed_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += `
		LIMIT $1`
		args = append(args, limit)
	}

	outcomes := make([]persistence.Outcome, 0)
	if err := r.db.SelectContext(ctx, &outcomes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	return outcomes, nil
}
