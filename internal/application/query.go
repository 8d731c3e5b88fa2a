package application

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/metrics"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/tune"
)

// ErrInvalidQuery is returned for out-of-range query parameters
var ErrInvalidQuery = errors.New("invalid query")

// Query limits
const (
	DefaultLogLimit = 50
	MaxLogLimit     = 1000
	DefaultDays     = 250
	MaxDays         = 2000
)

// BacktestQuery selects a symbol history and the preset to replay
type BacktestQuery struct {
	Symbol  string
	Days    int     // DefaultDays when zero
	Capital float64 // engine capital when zero
	Preset  string  // named preset when empty
}

// CalibrateQuery selects a history and the walk-forward segment sizes
type CalibrateQuery struct {
	Symbol  string
	Days    int
	Train   int // bars per train segment
	Test    int // bars per test segment
	Capital float64
}

// Performance summarizes closed live positions
type Performance struct {
	Overall  backtest.Metrics            `json:"overall"`
	BySymbol map[string]backtest.Metrics `json:"by_symbol"`
	Outcomes int                         `json:"outcomes"` // closed positions
	Partials int                         `json:"partials"` // non-closing transitions recorded
}

// QueryService answers read-only questions about the engine
type QueryService struct {
	repo      *persistence.Repository
	adapter   market.Adapter
	watchlist map[string]market.Symbol
	resolver  *regime.Resolver
	named     regime.Preset
	engine    *risk.Engine
	latest    *LatestStore
	metrics   *metrics.Registry
	config    backtest.Config

	group singleflight.Group
}

// QueryDeps are the collaborators of a QueryService
type QueryDeps struct {
	Repository *persistence.Repository
	Adapter    market.Adapter
	Watchlist  []market.Symbol
	Resolver   *regime.Resolver
	Named      regime.Preset // preset replayed when a query names none
	Risk       *risk.Engine
	Latest     *LatestStore
	Metrics    *metrics.Registry
	Backtest   backtest.Config
}

// NewQueryService creates a query service
func NewQueryService(deps QueryDeps) *QueryService {
	wl := make(map[string]market.Symbol, len(deps.Watchlist))
	for _, s := range deps.Watchlist {
		wl[s.Code] = s
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Latest == nil {
		deps.Latest = NewLatestStore()
	}
	return &QueryService{
		repo:      deps.Repository,
		adapter:   deps.Adapter,
		watchlist: wl,
		resolver:  deps.Resolver,
		named:     deps.Named,
		engine:    deps.Risk,
		latest:    deps.Latest,
		metrics:   deps.Metrics,
		config:    deps.Backtest,
	}
}

// symbol returns the watchlist entry, or a bare entry for unlisted codes
func (q *QueryService) symbol(code string) market.Symbol {
	if s, ok := q.watchlist[code]; ok {
		return s
	}
	return market.Symbol{Code: code}
}

// DecisionLog returns the newest decisions of a symbol
func (q *QueryService) DecisionLog(ctx context.Context, symbol string, limit int) ([]persistence.DecisionRecord, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidQuery, limit, MaxLogLimit)
	}
	recs, err := q.repo.Decisions.ListBySymbol(ctx, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions for %s: %w", symbol, err)
	}
	return recs, nil
}

// OutcomeLog returns the newest position outcomes of a symbol, one per exit
// transition
func (q *QueryService) OutcomeLog(ctx context.Context, symbol string, limit int) ([]persistence.Outcome, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidQuery, limit, MaxLogLimit)
	}
	all, err := q.repo.Decisions.ListOutcomes(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes for %s: %w", symbol, err)
	}
	out := make([]persistence.Outcome, 0)
	for _, o := range all {
		if o.Symbol != symbol {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func normalizeDays(days int) (int, error) {
	if days == 0 {
		days = DefaultDays
	}
	if days < 0 || days > MaxDays {
		return 0, fmt.Errorf("%w: days must be in [1,%d], got %d", ErrInvalidQuery, MaxDays, days)
	}
	return days, nil
}

func (q *QueryService) bars(ctx context.Context, sym market.Symbol, days int) ([]market.Bar, error) {
	bars, err := q.adapter.Bars(ctx, sym.Ticker(), days)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", sym.Code, err)
	}
	return bars, nil
}

// Backtest replays a symbol's history with one preset. Identical concurrent
// queries share a single replay.
func (q *QueryService) Backtest(ctx context.Context, bq BacktestQuery) (*backtest.Result, error) {
	if bq.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}
	days, err := normalizeDays(bq.Days)
	if err != nil {
		return nil, err
	}
	if bq.Capital < 0 {
		return nil, fmt.Errorf("%w: capital must not be negative", ErrInvalidQuery)
	}
	p := q.named
	if bq.Preset != "" {
		if p, err = regime.ParsePreset(bq.Preset); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}
	pc, err := q.resolver.Book().Get(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	key := fmt.Sprintf("backtest:%s:%d:%.2f:%s", bq.Symbol, days, bq.Capital, p)
	v, err, shared := q.group.Do(key, func() (interface{}, error) {
		sym := q.symbol(bq.Symbol)
		bars, err := q.bars(ctx, sym, days)
		if err != nil {
			return nil, err
		}
		return backtest.Run(ctx, backtest.Request{
			Symbol:  sym.Code,
			Sector:  sym.Sector,
			Bars:    bars,
			Capital: bq.Capital,
			Budget:  sym.Budget,
			Preset:  pc,
			Config:  q.config,
		})
	})
	q.recordBacktest(err)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("symbol", bq.Symbol).Bool("shared", shared).Msg("Backtest query served")
	return v.(*backtest.Result), nil
}

// Calibrate runs a walk-forward comparison of every preset in the book
func (q *QueryService) Calibrate(ctx context.Context, cq CalibrateQuery) (*tune.Result, error) {
	if cq.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}
	days, err := normalizeDays(cq.Days)
	if err != nil {
		return nil, err
	}
	if cq.Train <= 0 || cq.Test <= 0 {
		return nil, fmt.Errorf("%w: train and test must be positive, got %d/%d", ErrInvalidQuery, cq.Train, cq.Test)
	}

	key := fmt.Sprintf("calibrate:%s:%d:%d:%d:%.2f", cq.Symbol, days, cq.Train, cq.Test, cq.Capital)
	v, err, _ := q.group.Do(key, func() (interface{}, error) {
		sym := q.symbol(cq.Symbol)
		bars, err := q.bars(ctx, sym, days)
		if err != nil {
			return nil, err
		}
		return tune.Calibrate(ctx, tune.Request{
			Symbol:     sym.Code,
			Sector:     sym.Sector,
			Bars:       bars,
			Capital:    cq.Capital,
			Budget:     sym.Budget,
			TrainBars:  cq.Train,
			TestBars:   cq.Test,
			Candidates: tune.BookCandidates(q.resolver.Book()),
			Config:     q.config,
		})
	})
	q.recordBacktest(err)
	if err != nil {
		return nil, err
	}
	return v.(*tune.Result), nil
}

func (q *QueryService) recordBacktest(err error) {
	switch {
	case err == nil:
		q.metrics.RecordBacktest(metrics.BacktestOK)
	case errors.Is(err, backtest.ErrSimulationAborted):
		q.metrics.RecordBacktest(metrics.BacktestAborted)
	default:
		q.metrics.RecordBacktest(metrics.BacktestError)
	}
}

// RiskState returns the current risk counters
func (q *QueryService) RiskState() risk.State {
	return q.engine.Snapshot()
}

// Performance computes closed-trade statistics from recorded outcomes
func (q *QueryService) Performance(ctx context.Context) (*Performance, error) {
	outcomes, err := q.repo.Decisions.ListOutcomes(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}

	// outcomes are listed newest first; equity replays oldest first
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].ClosedAt.Before(outcomes[j].ClosedAt) })

	capital := q.engine.Limits().Capital
	all := make([]backtest.Trade, 0, len(outcomes))
	per := make(map[string][]backtest.Trade)
	partials := 0
	for _, o := range outcomes {
		if !o.Final() {
			partials++
			continue
		}
		t := backtest.Trade{
			PositionID: o.PositionID,
			Symbol:     o.Symbol,
			OpenedAt:   o.OpenedAt,
			ClosedAt:   o.ClosedAt,
			Entry:      o.Entry,
			Exit:       o.Exit,
			Lot:        o.Lot,
			PnL:        o.PnL,
			R:          o.R,
			Reason:     o.Reason,
			Partial:    partialOf(outcomes, o.PositionID),
		}
		all = append(all, t)
		per[o.Symbol] = append(per[o.Symbol], t)
	}

	perf := &Performance{
		Overall:  backtest.Compute(all, capital),
		BySymbol: make(map[string]backtest.Metrics, len(per)),
		Outcomes: len(all),
		Partials: partials,
	}
	for sym, ts := range per {
		perf.BySymbol[sym] = backtest.Compute(ts, capital)
	}
	return perf, nil
}

func partialOf(outcomes []persistence.Outcome, positionID string) bool {
	for _, o := range outcomes {
		if o.PositionID == positionID && o.State == exits.PartialTP1.String() {
			return true
		}
	}
	return false
}

// LatestState returns the latest evaluation of every symbol
func (q *QueryService) LatestState() []SymbolState {
	return q.latest.All()
}
