// Package backtest replays the decision, risk and exit engines over daily bars
// of a single symbol.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

var (
	// ErrSimulationAborted is returned when the context is cancelled mid-replay.
	// No partial result accompanies it.
	ErrSimulationAborted = errors.New("simulation aborted")
	// ErrNotEnoughBars is returned when the history does not cover the warmup
	ErrNotEnoughBars = errors.New("not enough bars for backtest")
)

// Config groups the engine settings used by a replay
type Config struct {
	Factors  factors.Config   `yaml:"factors" json:"factors"`
	Decision composite.Config `yaml:"decision" json:"decision"`
	Exits    exits.ExitConfig `yaml:"exits" json:"exits"`
	Risk     risk.Limits      `yaml:"risk" json:"risk"`
	Warmup   int              `yaml:"warmup" json:"warmup"` // bars before the first signal, 50
}

// DefaultConfig returns the live engine defaults
func DefaultConfig() Config {
	return Config{
		Factors:  factors.DefaultConfig(),
		Decision: composite.DefaultConfig(),
		Exits:    exits.DefaultExitConfig(),
		Risk:     risk.DefaultLimits(),
		Warmup:   50,
	}
}

// Request describes one replay
type Request struct {
	Symbol  string
	Sector  string
	Bars    []market.Bar // oldest first
	Capital float64      // starting equity; sizing and risk capital when positive
	Budget  float64      // per-symbol budget, zero for none
	Preset  regime.PresetConfig
	Config  Config // zero value means DefaultConfig
}

// Trade is one closed simulated position
type Trade struct {
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Exit       float64   `json:"exit"` // price of the closing fill
	Lot        int       `json:"lot"`
	PnL        float64   `json:"pnl"`
	R          float64   `json:"r"` // PnL over initial risk
	Reason     string    `json:"reason"`
	Partial    bool      `json:"partial"` // target 1 was taken
	Bars       int       `json:"bars"`
}

// Signals counts raw labels and gate outcomes over the replay
type Signals struct {
	Buy        int            `json:"buy"`
	Sell       int            `json:"sell"`
	Hold       int            `json:"hold"`
	Downgraded int            `json:"downgraded"`
	Denied     map[string]int `json:"denied"`
}

// Result is the outcome of a completed replay
type Result struct {
	Symbol  string    `json:"symbol"`
	Preset  string    `json:"preset"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Bars    int       `json:"bars"`
	Trades  []Trade   `json:"trades"`
	Signals Signals   `json:"signals"`
	Metrics Metrics   `json:"metrics"`
}

// Run replays req bar by bar. A signal on a bar's close opens at that close and
// its exits replay from the next bar. Fundamental and news scores stay at the
// neutral fallback and the regime score is taken from the symbol's own bars.
func Run(ctx context.Context, req Request) (*Result, error) {
	cfg := req.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if req.Capital > 0 {
		cfg.Decision.Sizing.Capital = req.Capital
		cfg.Risk.Capital = req.Capital
	}
	capital := cfg.Decision.Sizing.Capital

	if err := req.Preset.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest preset: %w", err)
	}
	if cfg.Warmup < 1 {
		cfg.Warmup = 1
	}
	if len(req.Bars) <= cfg.Warmup {
		return nil, fmt.Errorf("%w: have %d, need more than %d", ErrNotEnoughBars, len(req.Bars), cfg.Warmup)
	}

	builder := factors.NewBuilder(cfg.Factors)
	model, err := composite.NewModel(cfg.Decision)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision model: %w", err)
	}
	evaluator, err := exits.NewExitEvaluator(cfg.Exits)
	if err != nil {
		return nil, err
	}
	engine, err := risk.NewEngine(cfg.Risk, risk.Istanbul())
	if err != nil {
		return nil, fmt.Errorf("failed to create risk engine: %w", err)
	}

	sim := &simulation{
		req:       req,
		builder:   builder,
		model:     model,
		evaluator: evaluator,
		engine:    engine,
		preset:    composite.Preset{Name: req.Preset.Preset.String(), Source: string(regime.SourceNamed)},
		result: &Result{
			Symbol:  req.Symbol,
			Preset:  req.Preset.Preset.String(),
			From:    req.Bars[0].Time,
			To:      req.Bars[len(req.Bars)-1].Time,
			Bars:    len(req.Bars),
			Trades:  make([]Trade, 0),
			Signals: Signals{Denied: make(map[string]int)},
		},
	}

	last := len(req.Bars) - 1
	for i := cfg.Warmup - 1; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w at bar %d of %s: %v", ErrSimulationAborted, i, req.Symbol, err)
		}
		bar := req.Bars[i]
		if sim.pos != nil {
			sim.replay(i, evaluator.OnBar(sim.pos, bar.Open, bar.High, bar.Low, bar.Close, bar.Time))
		}
		if sim.pos == nil && i < last {
			sim.signal(i)
		}
	}
	if sim.pos != nil {
		bar := req.Bars[last]
		sim.replay(last, evaluator.Close(sim.pos, bar.Close, bar.Time, exits.EndOfWindow))
	}

	sim.result.Metrics = Compute(sim.result.Trades, capital)
	log.Debug().Str("symbol", req.Symbol).Str("preset", sim.result.Preset).
		Int("trades", len(sim.result.Trades)).Float64("expectancy", sim.result.Metrics.Expectancy).
		Msg("Backtest completed")
	return sim.result, nil
}

// simulation is the mutable state of one replay
type simulation struct {
	req       Request
	builder   *factors.Builder
	model     *composite.Model
	evaluator *exits.ExitEvaluator
	engine    *risk.Engine
	preset    composite.Preset

	pos      *exits.Position
	openedAt int
	partial  bool // the open position passed PARTIAL_TP1
	seq      int
	result   *Result
}

func (s *simulation) signal(i int) {
	bar := s.req.Bars[i]
	window := s.req.Bars[:i+1]

	scores := s.builder.Build(factors.Inputs{
		Symbol:    s.req.Symbol,
		Now:       bar.Time,
		Bars:      window,
		IndexBars: window,
	})
	d := s.model.Decide(composite.Request{
		Symbol:     s.req.Symbol,
		Time:       bar.Time,
		Scores:     scores,
		Weights:    s.req.Preset.Weights,
		Thresholds: s.req.Preset.Thresholds,
		Preset:     s.preset,
		Bars:       window,
		Price:      bar.Close,
		Budget:     s.req.Budget,
	})

	switch d.Signal {
	case composite.LabelBuy:
		s.result.Signals.Buy++
	case composite.LabelSell:
		s.result.Signals.Sell++
	default:
		s.result.Signals.Hold++
	}
	if d.Downgrade != "" {
		s.result.Signals.Downgraded++
	}
	if d.Label != composite.LabelBuy || !d.Actionable {
		return
	}

	v := s.engine.TryOpen(bar.Time, risk.Request{Symbol: s.req.Symbol, Sector: s.req.Sector, Risk: d.Risk})
	if !v.Allowed {
		s.result.Signals.Denied[string(v.Reason)]++
		return
	}

	s.seq++
	id := fmt.Sprintf("%s-%d", s.req.Symbol, s.seq)
	pos, err := exits.NewPosition(id, d.ID, s.req.Symbol, s.req.Sector, d.Entry, d.Stop, d.Target1, d.Target2, d.Lot, bar.Time)
	if err != nil {
		s.engine.Cancel(s.req.Symbol)
		log.Debug().Err(err).Str("symbol", s.req.Symbol).Msg("Backtest skipped invalid plan")
		return
	}
	s.pos = pos
	s.openedAt = i
	s.partial = false
}

// replay books transitions against the risk engine and records closed trades
func (s *simulation) replay(i int, ts []exits.Transition) {
	for _, t := range ts {
		if t.To == exits.PartialTP1 {
			s.partial = true
		}
		if !t.Closes() {
			if t.Quantity > 0 {
				if err := s.engine.Realize(t.Time, t.Symbol, t.PnL); err != nil {
					log.Warn().Err(err).Str("symbol", t.Symbol).Str("position_id", t.PositionID).
						Msg("Backtest failed to book partial fill")
				}
			}
			continue
		}
		if err := s.engine.Release(t.Time, t.Symbol, t.PnL); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Str("position_id", t.PositionID).
				Msg("Backtest failed to release position")
		}

		p := s.pos
		trade := Trade{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			OpenedAt:   p.OpenedAt,
			ClosedAt:   t.Time,
			Entry:      p.Entry,
			Stop:       p.InitialStop,
			Exit:       t.Price,
			Lot:        p.Lot,
			PnL:        p.RealizedPnL,
			Reason:     t.Reason.String(),
			Partial:    s.partial,
			Bars:       i - s.openedAt,
		}
		if r := p.InitialRisk(); r > 0 {
			trade.R = trade.PnL / r
		}
		s.result.Trades = append(s.result.Trades, trade)
		s.pos = nil
	}
}
