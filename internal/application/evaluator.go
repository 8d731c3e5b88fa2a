// Package application runs the evaluation cycle over the watchlist and serves
// read-only queries over its results.
package application

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// AdvisoryInvalidPlan marks a BUY whose levels could not open a position
const AdvisoryInvalidPlan = "invalid_plan"

// Inputs carries everything one symbol evaluation needs
type Inputs struct {
	Symbol       string
	Sector       string
	Now          time.Time
	Price        float64 // last traded price; last close when zero
	Bars         []market.Bar
	Fundamentals *market.Fundamentals
	Headlines    []market.Headline
	IndexBars    []market.Bar
	Budget       float64 // per-symbol budget, zero for none
}

// State is the mutable engine state shared by all evaluations of a cycle
type State struct {
	Risk      *risk.Engine
	Positions *exits.Book
}

// Evaluation is the outcome of evaluating one symbol
type Evaluation struct {
	Symbol      string             `json:"symbol"`
	Price       float64            `json:"price"`
	Scores      factors.Scores     `json:"scores"`
	Resolution  regime.Resolution  `json:"resolution"`
	Decision    composite.Decision `json:"decision"`
	Risk        *risk.Verdict      `json:"risk,omitempty"` // set when a BUY reached the risk gate
	Opened      *exits.Position    `json:"opened,omitempty"`
	Transitions []exits.Transition `json:"transitions,omitempty"`
	Closed      *exits.Position    `json:"closed,omitempty"`
	DayReset    bool               `json:"day_reset"`

	replan func(entry float64) (composite.Decision, bool)
}

// Candidate returns the alert candidate for this evaluation
func (ev Evaluation) Candidate() alerts.Candidate {
	return alerts.Candidate{
		Symbol:   ev.Symbol,
		Price:    ev.Price,
		Now:      ev.Decision.Timestamp,
		Decision: ev.Decision,
		Replan:   ev.replan,
	}
}

// CloseTransition returns the transition that closed the position, if any
func (ev Evaluation) CloseTransition() (exits.Transition, bool) {
	for i := len(ev.Transitions) - 1; i >= 0; i-- {
		if ev.Transitions[i].Closes() {
			return ev.Transitions[i], true
		}
	}
	return exits.Transition{}, false
}

// Evaluator combines factor scoring, preset resolution, the decision model,
// the risk gate and the exit state machine. It performs no I/O.
type Evaluator struct {
	builder  *factors.Builder
	resolver *regime.Resolver
	model    *composite.Model
	exits    *exits.ExitEvaluator
	newID    func() string
}

// NewEvaluator creates an evaluator
func NewEvaluator(builder *factors.Builder, resolver *regime.Resolver, model *composite.Model, exitEval *exits.ExitEvaluator) *Evaluator {
	return &Evaluator{
		builder:  builder,
		resolver: resolver,
		model:    model,
		exits:    exitEval,
		newID:    uuid.NewString,
	}
}

// Resolver returns the preset resolver
func (e *Evaluator) Resolver() *regime.Resolver {
	return e.resolver
}

// Evaluate runs one symbol through the engine. Open positions are marked to
// the current price before a new decision is taken, so a slot freed by an
// exit is available to the same evaluation.
func (e *Evaluator) Evaluate(in Inputs, st *State) Evaluation {
	price := in.Price
	if price <= 0 && len(in.Bars) > 0 {
		price = in.Bars[len(in.Bars)-1].Close
	}
	ev := Evaluation{Symbol: in.Symbol, Price: price}

	ev.DayReset = st.Risk.ResetIfNewDay(in.Now)

	if price > 0 {
		ev.Transitions, ev.Closed = st.Positions.Update(in.Symbol, func(p *exits.Position) []exits.Transition {
			return e.exits.OnPrice(p, price, in.Now)
		})
		e.book(st, in.Now, ev.Transitions)
	}

	ev.Scores = e.builder.Build(factors.Inputs{
		Symbol:       in.Symbol,
		Now:          in.Now,
		Bars:         in.Bars,
		Fundamentals: in.Fundamentals,
		Headlines:    in.Headlines,
		IndexBars:    in.IndexBars,
	})
	ev.Resolution = e.resolver.Resolve(ev.Scores.Regime)

	d := e.model.Decide(composite.Request{
		Symbol:     in.Symbol,
		Time:       in.Now,
		Scores:     ev.Scores,
		Weights:    ev.Resolution.Config.Weights,
		Thresholds: ev.Resolution.Config.Thresholds,
		Preset:     ev.Resolution.Tag(),
		Bars:       in.Bars,
		Price:      price,
		Budget:     in.Budget,
	})

	if d.Label == composite.LabelBuy && d.Actionable {
		d = e.open(&ev, in, st, d)
	}
	ev.Decision = d

	bars, budget := in.Bars, in.Budget
	ev.replan = func(entry float64) (composite.Decision, bool) {
		return e.model.Replan(d, entry, bars, budget)
	}

	log.Debug().Str("symbol", in.Symbol).Str("label", d.Label.String()).
		Float64("composite", d.Composite).Str("preset", d.Preset.Name).
		Str("preset_source", d.Preset.Source).Bool("actionable", d.Actionable).
		Msg("Symbol evaluated")
	return ev
}

// open reserves a risk slot and registers the position. A denial or an
// unusable plan leaves the decision as an advisory.
func (e *Evaluator) open(ev *Evaluation, in Inputs, st *State, d composite.Decision) composite.Decision {
	v := st.Risk.TryOpen(in.Now, risk.Request{Symbol: in.Symbol, Sector: in.Sector, Risk: d.Risk})
	ev.Risk = &v
	if !v.Allowed {
		log.Info().Str("symbol", in.Symbol).Str("reason", string(v.Reason)).Str("detail", v.Detail).
			Msg("Risk gate denied position")
		return d.WithAdvisory(string(v.Reason))
	}

	pos, err := exits.NewPosition(e.newID(), d.ID, in.Symbol, in.Sector, d.Entry, d.Stop, d.Target1, d.Target2, d.Lot, in.Now)
	if err == nil {
		err = st.Positions.Add(pos)
	}
	if err != nil {
		st.Risk.Cancel(in.Symbol)
		log.Warn().Err(fmt.Errorf("failed to open position: %w", err)).Str("symbol", in.Symbol).
			Msg("Position not opened")
		return d.WithAdvisory(AdvisoryInvalidPlan)
	}

	opened := *pos
	ev.Opened = &opened
	log.Info().Str("symbol", in.Symbol).Str("position_id", pos.ID).Float64("entry", pos.Entry).
		Float64("stop", pos.Stop).Int("lot", pos.Lot).Msg("Position opened")
	return d
}

// book applies realized PnL from exit transitions to the risk engine
func (e *Evaluator) book(st *State, now time.Time, ts []exits.Transition) {
	for _, t := range ts {
		var err error
		switch {
		case t.Closes():
			err = st.Risk.Release(now, t.Symbol, t.PnL)
		case t.Quantity > 0:
			err = st.Risk.Realize(now, t.Symbol, t.PnL)
		}
		if err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Str("to", t.ToName).Msg("Failed to book exit PnL")
		}
		log.Info().Str("symbol", t.Symbol).Str("position_id", t.PositionID).Str("from", t.FromName).
			Str("to", t.ToName).Str("reason", t.Reason.String()).Float64("price", t.Price).
			Float64("pnl", t.PnL).Msg("Exit transition")
	}
}
