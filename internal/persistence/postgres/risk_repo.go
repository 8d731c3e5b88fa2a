package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
)

// riskStateRepo keeps the single risk engine snapshot as JSONB
type riskStateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRiskStateRepo creates a new PostgreSQL risk state repository
func NewRiskStateRepo(db *sqlx.DB, timeout time.Duration) persistence.RiskStateRepo {
	return &riskStateRepo{db: db, timeout: timeout}
}

func (r *riskStateRepo) Save(ctx context.Context, s risk.State) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal risk state: %w", err)
	}

	query := `
		INSERT INTO risk_state (id, state, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, data); err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

func (r *riskStateRepo) Load(ctx context.Context) (risk.State, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var data []byte
	err := r.db.QueryRowxContext(ctx, `SELECT state FROM risk_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, false, nil
	}
	if err != nil {
		return risk.State{}, false, fmt.Errorf("failed to load risk state: %w", err)
	}

	var s risk.State
	if err := json.Unmarshal(data, &s); err != nil {
		return risk.State{}, false, fmt.Errorf("failed to decode risk state: %w", err)
	}
	return s, true, nil
}
