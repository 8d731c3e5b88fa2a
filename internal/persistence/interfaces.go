package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// DecisionRecord is one append-only decision log entry
type DecisionRecord struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"ts" db:"ts"`
	Symbol       string    `json:"symbol" db:"symbol"`
	Label        string    `json:"label" db:"label"`
	Signal       string    `json:"signal" db:"signal"`
	Composite    float64   `json:"composite" db:"composite"`
	Confidence   float64   `json:"confidence" db:"confidence"`
	Technical    float64   `json:"technical" db:"technical"`
	Fundamental  float64   `json:"fundamental" db:"fundamental"`
	News         float64   `json:"news" db:"news"`
	Regime       float64   `json:"regime" db:"regime"`
	Fallbacks    string    `json:"fallbacks,omitempty" db:"fallbacks"` // comma separated fallback reasons
	Entry        float64   `json:"entry" db:"entry"`
	Stop         float64   `json:"stop" db:"stop"`
	Target1      float64   `json:"target1" db:"target1"`
	Target2      float64   `json:"target2" db:"target2"`
	Lot          int       `json:"lot" db:"lot"`
	Risk         float64   `json:"risk" db:"risk"`
	StopPolicy   string    `json:"stop_policy" db:"stop_policy"`
	Preset       string    `json:"preset" db:"preset"`
	PresetSource string    `json:"preset_source" db:"preset_source"`
	PresetRule   string    `json:"preset_rule,omitempty" db:"preset_rule"`
	Downgrade    string    `json:"downgrade,omitempty" db:"downgrade"`
	Actionable   bool      `json:"actionable" db:"actionable"`
	RiskReason   string    `json:"risk_reason,omitempty" db:"risk_reason"`
	Alert        string    `json:"alert,omitempty" db:"alert"` // sent, suppressed reason or failed
}

// NewDecisionRecord flattens a decision and the scores it was built from
func NewDecisionRecord(d composite.Decision, s factors.Scores) DecisionRecord {
	var fallbacks []string
	for _, sc := range []factors.Score{s.Technical, s.Fundamental, s.News, s.Regime} {
		if sc.Fallback() {
			fallbacks = append(fallbacks, sc.Reason)
		}
	}
	return DecisionRecord{
		ID:           d.ID,
		Timestamp:    d.Timestamp,
		Symbol:       d.Symbol,
		Label:        d.Label.String(),
		Signal:       d.Signal.String(),
		Composite:    d.Composite,
		Confidence:   d.Confidence,
		Technical:    s.Technical.Value,
		Fundamental:  s.Fundamental.Value,
		News:         s.News.Value,
		Regime:       s.Regime.Value,
		Fallbacks:    strings.Join(fallbacks, ","),
		Entry:        d.Entry,
		Stop:         d.Stop,
		Target1:      d.Target1,
		Target2:      d.Target2,
		Lot:          d.Lot,
		Risk:         d.Risk,
		StopPolicy:   d.StopPolicy,
		Preset:       d.Preset.Name,
		PresetSource: d.Preset.Source,
		PresetRule:   d.Preset.Rule,
		Downgrade:    d.Downgrade,
		Actionable:   d.Actionable,
	}
}

// Outcome is the realized result of one position transition. A position
// leaves one outcome per move through PARTIAL_TP1, TRAILING and CLOSED; the
// CLOSED outcome carries the position totals.
type Outcome struct {
	PositionID string    `json:"position_id" db:"position_id"`
	DecisionID string    `json:"decision_id" db:"decision_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	State      string    `json:"state" db:"state"`
	OpenedAt   time.Time `json:"opened_at" db:"opened_at"`
	ClosedAt   time.Time `json:"closed_at" db:"closed_at"` // time of the transition
	Entry      float64   `json:"entry" db:"entry"`
	Exit       float64   `json:"exit" db:"exit_price"`
	Lot        int       `json:"lot" db:"lot"`
	PnL        float64   `json:"pnl" db:"pnl"`
	R          float64   `json:"r" db:"r_multiple"`
	Reason     string    `json:"reason" db:"reason"`
}

// NewOutcome builds the outcome of transition t on position p. A closing
// transition reports the whole lot and the total realized PnL; any other
// reports the quantity and PnL of that fill alone.
func NewOutcome(p exits.Position, t exits.Transition) Outcome {
	o := Outcome{
		PositionID: p.ID,
		DecisionID: p.DecisionID,
		Symbol:     p.Symbol,
		State:      t.ToName,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   t.Time,
		Entry:      p.Entry,
		Exit:       t.Price,
		Lot:        t.Quantity,
		PnL:        t.PnL,
		Reason:     t.Reason.String(),
	}
	if t.Closes() {
		o.Lot = p.Lot
		o.PnL = p.RealizedPnL
	}
	if r := p.InitialRisk(); r > 0 {
		o.R = o.PnL / r
	}
	return o
}

// Final reports whether the outcome closed its position. Rows written before
// states were recorded are closes.
func (o Outcome) Final() bool {
	return o.State == "" || o.State == exits.Closed.String()
}

// DecisionLogRepo stores decisions and position outcomes, newest first on read
type DecisionLogRepo interface {
	// Append adds a decision record
	Append(ctx context.Context, rec DecisionRecord) error

	// AppendOutcome adds the outcome of a position transition
	AppendOutcome(ctx context.Context, o Outcome) error

	// ListBySymbol returns up to limit records for symbol, newest first
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]DecisionRecord, error)

	// ListOutcomes returns up to limit outcomes, newest first. limit <= 0 returns all.
	ListOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

// PositionRepo stores open positions between restarts
type PositionRepo interface {
	// Save inserts or updates a position
	Save(ctx context.Context, p exits.Position) error

	// ListOpen returns every position that is not closed
	ListOpen(ctx context.Context) ([]exits.Position, error)

	// Archive marks a closed position so it no longer loads as open
	Archive(ctx context.Context, p exits.Position) error
}

// RiskStateRepo stores the risk engine counters
type RiskStateRepo interface {
	Save(ctx context.Context, s risk.State) error

	// Load returns false when no state was saved yet
	Load(ctx context.Context) (risk.State, bool, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Decisions DecisionLogRepo
	Positions PositionRepo
	Risk      RiskStateRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}
