package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/metrics"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// Alert outcomes recorded in the decision log besides suppression reasons
const (
	AlertSent   = "sent"
	AlertFailed = "failed"
	AlertError  = "error"
)

// RunnerConfig controls the polling loop
type RunnerConfig struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`           // 180s
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`     // 4
	IndexSymbol  string        `yaml:"index_symbol" json:"index_symbol"`   // XU100
	BarDays      int           `yaml:"bar_days" json:"bar_days"`           // 260
	NewsLookback time.Duration `yaml:"news_lookback" json:"news_lookback"` // 24h
}

// DefaultRunnerConfig returns the standard polling settings
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Interval:     180 * time.Second,
		Concurrency:  4,
		IndexSymbol:  "XU100",
		BarDays:      260,
		NewsLookback: 24 * time.Hour,
	}
}

// Validate checks the loop settings
func (c RunnerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("check interval must be positive, got %s", c.Interval)
	}
	if c.Concurrency <= 0 || c.BarDays <= 0 {
		return fmt.Errorf("concurrency and bar days must be positive, got %d/%d", c.Concurrency, c.BarDays)
	}
	return nil
}

// Dependencies are the collaborators of a Runner
type Dependencies struct {
	Adapter    market.Adapter
	Evaluator  *Evaluator
	State      *State
	Alerts     *alerts.Controller
	Notifier   alerts.Notifier
	Repository *persistence.Repository
	Metrics    *metrics.Registry
	Latest     *LatestStore
}

// CycleReport summarizes one evaluation cycle
type CycleReport struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Evaluated   int           `json:"evaluated"`
	AlertsSent  int           `json:"alerts_sent"`
	Opened      int           `json:"opened"`
	Closed      int           `json:"closed"`
	Unavailable int           `json:"unavailable"` // symbols evaluated without bars
}

// Runner drives evaluation cycles over the watchlist
type Runner struct {
	config    RunnerConfig
	watchlist []market.Symbol
	deps      Dependencies
	now       func() time.Time

	cycleMu sync.Mutex
	started sync.Once
}

// NewRunner creates a cycle runner
func NewRunner(config RunnerConfig, watchlist []market.Symbol, deps Dependencies) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	if len(watchlist) == 0 {
		return nil, fmt.Errorf("failed to create runner: watchlist is empty")
	}
	if deps.Adapter == nil || deps.Evaluator == nil || deps.State == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("failed to create runner: adapter, evaluator, state and alerts are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.LogNotifier{}
	}
	if deps.Repository == nil {
		deps.Repository = persistence.NewMemoryRepository(persistence.DefaultLogCapacity)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Latest == nil {
		deps.Latest = NewLatestStore()
	}
	return &Runner{config: config, watchlist: watchlist, deps: deps, now: time.Now}, nil
}

// Latest returns the per-symbol state store
func (r *Runner) Latest() *LatestStore {
	return r.deps.Latest
}

// Watchlist returns the monitored symbols
func (r *Runner) Watchlist() []market.Symbol {
	return r.watchlist
}

// Start restores persisted state, seeds fixed bands and sends the startup
// notification. It runs once per Runner.
func (r *Runner) Start(ctx context.Context) error {
	var err error
	r.started.Do(func() {
		err = r.start(ctx)
	})
	return err
}

func (r *Runner) start(ctx context.Context) error {
	repo := r.deps.Repository
	st, ok, err := repo.Risk.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}
	if ok {
		r.deps.State.Risk.Restore(st)
		log.Info().Str("trading_day", st.TradingDay).Int("open_positions", st.OpenPositions).
			Float64("daily_loss", st.DailyRealizedLoss).Msg("Risk state restored")
	}

	positions, err := repo.Positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	for i := range positions {
		p := positions[i]
		if err := r.deps.State.Positions.Add(&p); err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Skipping restored position")
		}
	}
	if len(positions) > 0 {
		log.Info().Int("count", len(positions)).Msg("Open positions restored")
	}

	codes := make([]string, 0, len(r.watchlist))
	for _, s := range r.watchlist {
		codes = append(codes, s.Code)
		if s.BandLow > 0 && s.BandHigh > s.BandLow {
			if err := r.deps.Alerts.Seed(ctx, s.Code, s.BandLow, s.BandHigh); err != nil {
				log.Warn().Err(err).Str("symbol", s.Code).Msg("Failed to seed alert band")
			}
		}
	}

	if err := r.deps.Notifier.Notify(ctx, alerts.StartupAlert(codes, r.now())); err != nil {
		r.deps.Metrics.RecordAlert(metrics.AlertFailed)
		log.Warn().Err(err).Msg("Startup notification failed")
	}
	return nil
}

// Run starts the runner and evaluates the watchlist every interval until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	log.Info().Int("symbols", len(r.watchlist)).Dur("interval", r.config.Interval).Msg("Evaluation loop started")
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error().Err(err).Msg("Evaluation cycle failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Evaluation loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every watchlist symbol once. A failing symbol is logged
// and evaluated on neutral inputs; only cancellation fails the cycle. An
// evaluation that already ran is always recorded, so exits and entries applied
// to the shared state before a cancellation still reach the repository.
func (r *Runner) RunCycle(ctx context.Context) (*CycleReport, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	timer := r.deps.Metrics.StartCycle()
	now := r.now()
	report := &CycleReport{Started: now}

	index := r.fetchBars(ctx, r.config.IndexSymbol)

	evals := make([]Evaluation, len(r.watchlist))
	done := make([]bool, len(r.watchlist))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)
	for i, sym := range r.watchlist {
		i, sym := i, sym
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			in := r.fetch(gctx, sym, now, index)
			// inputs cut short by cancellation are not evaluated
			if err := gctx.Err(); err != nil {
				return err
			}
			evals[i] = r.deps.Evaluator.Evaluate(in, r.deps.State)
			done[i] = true
			return nil
		})
	}
	waitErr := g.Wait()

	// once evaluated the state has moved, so persistence outlives cancellation
	pctx := ctx
	if waitErr != nil {
		pctx = context.WithoutCancel(ctx)
	}
	for i, ev := range evals {
		if !done[i] {
			continue
		}
		if ev.Price <= 0 {
			report.Unavailable++
		}
		if r.record(pctx, r.watchlist[i], ev) {
			report.AlertsSent++
		}
		if ev.Opened != nil {
			report.Opened++
		}
		if ev.Closed != nil {
			report.Closed++
		}
		report.Evaluated++
	}

	snap := r.deps.State.Risk.Snapshot()
	if err := r.deps.Repository.Risk.Save(pctx, snap); err != nil {
		log.Error().Err(err).Msg("Failed to save risk state")
	}
	r.deps.Metrics.SetRiskState(snap.OpenPositions, snap.DailyRealizedLoss)

	report.Duration = timer.Stop()
	if waitErr != nil {
		log.Warn().Err(waitErr).Int("evaluated", report.Evaluated).Int("skipped", len(r.watchlist)-report.Evaluated).
			Msg("Evaluation cycle aborted")
		return nil, fmt.Errorf("evaluation cycle aborted: %w", waitErr)
	}
	log.Info().Int("evaluated", report.Evaluated).Int("alerts", report.AlertsSent).
		Int("opened", report.Opened).Int("closed", report.Closed).
		Dur("duration", report.Duration).Msg("Evaluation cycle completed")
	return report, nil
}

func (r *Runner) fetchBars(ctx context.Context, ticker string) []market.Bar {
	if ticker == "" {
		return nil
	}
	bars, err := r.deps.Adapter.Bars(ctx, ticker, r.config.BarDays)
	if err != nil {
		logUnavailable(err, ticker, "bars")
		return nil
	}
	return bars
}

func (r *Runner) fetch(ctx context.Context, sym market.Symbol, now time.Time, index []market.Bar) Inputs {
	ticker := sym.Ticker()
	in := Inputs{
		Symbol:    sym.Code,
		Sector:    sym.Sector,
		Now:       now,
		Budget:    sym.Budget,
		IndexBars: index,
		Bars:      r.fetchBars(ctx, ticker),
	}

	f, err := r.deps.Adapter.Fundamentals(ctx, ticker)
	if err != nil {
		logUnavailable(err, ticker, "fundamentals")
	} else {
		in.Fundamentals = f
	}

	news, err := r.deps.Adapter.News(ctx, ticker, r.config.NewsLookback)
	if err != nil {
		logUnavailable(err, ticker, "news")
	} else {
		in.Headlines = news
	}
	return in
}

func logUnavailable(err error, ticker, what string) {
	if errors.Is(err, market.ErrUnavailable) {
		log.Debug().Err(err).Str("symbol", ticker).Str("input", what).Msg("Input unavailable, using neutral score")
		return
	}
	log.Warn().Err(err).Str("symbol", ticker).Str("input", what).Msg("Failed to fetch input, using neutral score")
}

// record persists an evaluation, delivers its alert and publishes the latest
// state. It reports whether an alert was sent.
func (r *Runner) record(ctx context.Context, sym market.Symbol, ev Evaluation) bool {
	m := r.deps.Metrics
	repo := r.deps.Repository

	for _, t := range ev.Transitions {
		m.RecordTransition(t.ToName)
	}
	if ev.Risk != nil && !ev.Risk.Allowed {
		m.RecordDenial(string(ev.Risk.Reason))
	}
	r.persistPosition(ctx, ev)

	d, status := r.alert(ctx, ev)
	m.RecordDecision(d.Label.String())

	rec := persistence.NewDecisionRecord(d, ev.Scores)
	if ev.Risk != nil {
		rec.RiskReason = string(ev.Risk.Reason)
	}
	rec.Alert = status
	if err := repo.Decisions.Append(ctx, rec); err != nil {
		log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Failed to append decision log")
	}

	state := SymbolState{
		Symbol:    ev.Symbol,
		Price:     ev.Price,
		Decision:  d,
		Scores:    ev.Scores,
		Alert:     status,
		UpdatedAt: d.Timestamp,
	}
	if p, ok := r.deps.State.Positions.Get(sym.Code); ok {
		state.Position = &p
	}
	if rec, ok := r.bandOf(ctx, sym.Code); ok {
		state.BandLow, state.BandHigh = rec.BandLow, rec.BandHigh
	}
	r.deps.Latest.Put(state)
	return status == AlertSent
}

func (r *Runner) persistPosition(ctx context.Context, ev Evaluation) {
	positions := r.deps.Repository.Positions
	current, open := r.deps.State.Positions.Get(ev.Symbol)

	for _, t := range ev.Transitions {
		var p *exits.Position
		switch {
		case ev.Closed != nil && ev.Closed.ID == t.PositionID:
			p = ev.Closed
		case open && current.ID == t.PositionID:
			p = &current
		default:
			continue
		}
		if err := r.deps.Repository.Decisions.AppendOutcome(ctx, persistence.NewOutcome(*p, t)); err != nil {
			log.Error().Err(err).Str("symbol", ev.Symbol).Str("state", t.ToName).Msg("Failed to append position outcome")
		}
	}

	if ev.Closed != nil {
		if err := positions.Archive(ctx, *ev.Closed); err != nil {
			log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Failed to archive position")
		}
	}
	// open positions are saved every cycle to keep the mark price current
	if open {
		if err := positions.Save(ctx, current); err != nil {
			log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Failed to save position")
		}
	}
}

// alert runs the cooldown controller and the notifier. It returns the final
// decision, which may have been replanned on a band recenter, and the alert
// status for the decision log.
func (r *Runner) alert(ctx context.Context, ev Evaluation) (composite.Decision, string) {
	m := r.deps.Metrics
	ctrl := r.deps.Alerts

	v, err := ctrl.Check(ctx, ev.Candidate())
	if err != nil {
		m.RecordAlert(metrics.AlertFailed)
		log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Alert check failed")
		return ev.Decision, AlertError
	}

	if !v.Emit {
		m.RecordAlert(metrics.AlertSuppressed)
		if err := ctrl.Observe(ctx, v); err != nil {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("Failed to save band state")
		}
		return v.Decision, v.Reason
	}

	if err := r.deps.Notifier.Notify(ctx, alerts.AlertFromVerdict(v)); err != nil {
		m.RecordAlert(metrics.AlertFailed)
		log.Warn().Err(err).Str("symbol", ev.Symbol).Str("kind", string(v.Kind)).
			Msg("Alert delivery failed, retrying next cycle")
		if err := ctrl.Observe(ctx, v); err != nil {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("Failed to save band state")
		}
		return v.Decision, AlertFailed
	}

	m.RecordAlert(metrics.AlertSent)
	if err := ctrl.Commit(ctx, v); err != nil {
		log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Failed to commit alert state")
	}
	log.Info().Str("symbol", ev.Symbol).Str("kind", string(v.Kind)).Str("label", v.Decision.Label.String()).
		Float64("price", v.Price).Msg("Alert sent")
	return v.Decision, AlertSent
}

func (r *Runner) bandOf(ctx context.Context, symbol string) (alerts.Record, bool) {
	rec, ok, err := r.deps.Alerts.Record(ctx, symbol)
	if err != nil || !ok || !rec.HasBand() {
		return alerts.Record{}, false
	}
	return rec, true
}
