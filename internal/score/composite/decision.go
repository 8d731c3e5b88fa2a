package composite

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/indicators"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

// Downgrade reasons set by the model itself
const (
	DowngradeStopDistance    = "stop_distance"
	DowngradeStopUnavailable = "stop_unavailable"
	DowngradeLotBelowOne     = "lot_below_one"
)

// Preset records which configuration produced a decision
type Preset struct {
	Name   string `json:"name"`
	Source string `json:"source"` // override | auto | named
	Rule   string `json:"rule,omitempty"`
}

// Decision is an immutable evaluation result. Use the With* helpers to derive
// a modified copy.
type Decision struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Label      Label     `json:"label"`
	Signal     Label     `json:"signal"` // label before any stop-distance downgrade
	Composite  float64   `json:"composite"`
	Confidence float64   `json:"confidence"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Target1    float64   `json:"target1"`
	Target2    float64   `json:"target2"`
	Lot        int       `json:"lot"`
	Risk       float64   `json:"risk"` // lot × |entry - stop|
	K1         float64   `json:"k1"`
	K2         float64   `json:"k2"`
	StopPolicy string    `json:"stop_policy"`
	Preset     Preset    `json:"preset"`
	Downgrade  string    `json:"downgrade,omitempty"`
	Actionable bool      `json:"actionable"`
}

// RiskPerShare returns R, the absolute entry-to-stop distance
func (d Decision) RiskPerShare() float64 {
	return math.Abs(d.Entry - d.Stop)
}

// WithAdvisory returns a non-actionable copy carrying reason
func (d Decision) WithAdvisory(reason string) Decision {
	d.Actionable = false
	d.Downgrade = reason
	return d
}

// WithPlan returns a copy with new levels and sizing, keeping the label
func (d Decision) WithPlan(entry, stop, target1, target2 float64, lot int) Decision {
	d.Entry, d.Stop, d.Target1, d.Target2, d.Lot = entry, stop, target1, target2, lot
	d.Risk = float64(lot) * math.Abs(entry-stop)
	return d
}

// Config holds the decision model parameters
type Config struct {
	Stop   StopConfig   `yaml:"stop" json:"stop"`
	Filter StopFilter   `yaml:"filter" json:"filter"`
	TP1R   float64      `yaml:"tp1_r" json:"tp1_r"` // 1.0
	TP2R   float64      `yaml:"tp2_r" json:"tp2_r"` // 2.0
	Sizing SizingConfig `yaml:"sizing" json:"sizing"`
}

// DefaultConfig returns the standard model configuration
func DefaultConfig() Config {
	return Config{
		Stop:   DefaultStopConfig(),
		Filter: StopFilter{MinDistance: 0.5, MaxDistance: 20},
		TP1R:   1.0,
		TP2R:   2.0,
		Sizing: DefaultSizingConfig(),
	}
}

// Validate checks every nested section
func (c Config) Validate() error {
	if _, err := NewStopPolicy(c.Stop); err != nil {
		return err
	}
	if err := c.Filter.Validate(); err != nil {
		return err
	}
	if c.TP1R <= 0 || c.TP2R <= c.TP1R {
		return fmt.Errorf("targets must satisfy 0 < tp1_r < tp2_r, got %.2f/%.2f", c.TP1R, c.TP2R)
	}
	return c.Sizing.Validate()
}

// Request is the input of one decision
type Request struct {
	Symbol     string
	Time       time.Time
	Scores     factors.Scores
	Weights    Weights
	Thresholds Thresholds
	Preset     Preset
	Bars       []market.Bar
	Price      float64 // entry; last close when zero
	Budget     float64 // per-symbol budget, zero for none
}

// Model maps factor scores to a trade decision
type Model struct {
	config Config
	policy StopPolicy
}

// NewModel creates a decision model
func NewModel(config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create decision model: %w", err)
	}
	policy, _ := NewStopPolicy(config.Stop)
	return &Model{config: config, policy: policy}, nil
}

// NewModelWithPolicy creates a model with a caller supplied stop policy
func NewModelWithPolicy(config Config, policy StopPolicy) (*Model, error) {
	m, err := NewModel(config)
	if err != nil {
		return nil, err
	}
	m.policy = policy
	return m, nil
}

// Config returns the model configuration
func (m *Model) Config() Config {
	return m.config
}

// Filter returns the stop-distance filter
func (m *Model) Filter() StopFilter {
	return m.config.Filter
}

// Decide scores, classifies and plans a decision. BUY and SELL decisions whose
// stop falls outside the distance filter are downgraded to HOLD.
func (m *Model) Decide(req Request) Decision {
	c := Composite(req.Scores, req.Weights)
	signal := Classify(c, req.Thresholds)

	entry := req.Price
	if entry <= 0 && len(req.Bars) > 0 {
		entry = req.Bars[len(req.Bars)-1].Close
	}

	d := Decision{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Timestamp:  req.Time,
		Label:      signal,
		Signal:     signal,
		Composite:  c,
		Entry:      entry,
		StopPolicy: m.policy.Name(),
		Preset:     req.Preset,
	}
	d.K1, d.K2 = stagedEntries(req.Bars, entry)

	if signal != LabelHold {
		stop, ok := m.policy.Stop(signal, entry, req.Bars)
		switch {
		case !ok:
			d.Label, d.Downgrade = LabelHold, DowngradeStopUnavailable
		case !m.config.Filter.Allows(entry, stop):
			d.Label, d.Downgrade = LabelHold, DowngradeStopDistance
			d.Stop = stop
		default:
			t1, t2 := m.Targets(signal, entry, stop)
			lot := 0
			if signal == LabelBuy {
				lot = m.config.Sizing.Lot(entry, math.Abs(entry-stop), req.Budget)
			}
			d = d.WithPlan(entry, stop, t1, t2, lot)
			d.Actionable = true
			if signal == LabelBuy && lot < 1 {
				d = d.WithAdvisory(DowngradeLotBelowOne)
			}
		}
	}

	d.Confidence = Confidence(d.Label, c, req.Thresholds)
	return d
}

// Targets returns the R-multiple targets for an entry and stop
func (m *Model) Targets(side Label, entry, stop float64) (float64, float64) {
	r := math.Abs(entry - stop)
	if side == LabelSell {
		return entry - m.config.TP1R*r, entry - m.config.TP2R*r
	}
	return entry + m.config.TP1R*r, entry + m.config.TP2R*r
}

// Replan recomputes levels around a new entry price with the model's policy.
// ok is false when the stop-distance filter rejects the new levels.
func (m *Model) Replan(d Decision, entry float64, bars []market.Bar, budget float64) (Decision, bool) {
	if d.Label == LabelHold {
		return d, true
	}
	stop, ok := m.policy.Stop(d.Label, entry, bars)
	if !ok || !m.config.Filter.Allows(entry, stop) {
		return d, false
	}
	t1, t2 := m.Targets(d.Label, entry, stop)
	lot := d.Lot
	if d.Label == LabelBuy {
		lot = m.config.Sizing.Lot(entry, math.Abs(entry-stop), budget)
	}
	return d.WithPlan(entry, stop, t1, t2, lot), true
}

// stagedEntries returns the K1/K2 limit levels: tighter when the trend is intact
func stagedEntries(bars []market.Bar, price float64) (float64, float64) {
	closes := market.Closes(bars)
	fast := indicators.CalculateEMA(closes, 50)
	slow := indicators.CalculateEMA(closes, 200)
	trendOK := fast.IsValid && price > fast.Value && fast.Value > slow.Value
	if trendOK {
		return round2(price * 0.995), round2(price * 0.988)
	}
	return round2(price * 0.990), round2(price * 0.975)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
