// Package risk gates new positions against the daily loss budget and position
// limits, and tracks open slots across concurrent evaluations.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // Europe/Istanbul on hosts without zoneinfo

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNotOpen is returned when PnL is booked against a symbol with no open slot
var ErrNotOpen = errors.New("no open position for symbol")

// Reason classifies a denial. Denials are outcomes, not errors.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonDailyRiskCap Reason = "daily_risk_cap"
	ReasonMaxPositions Reason = "max_active_positions"
	ReasonSectorLimit  Reason = "sector_limit"
	ReasonAlreadyOpen  Reason = "symbol_already_open"
)

const (
	istanbulZone = "Europe/Istanbul"
	dayLayout    = "2006-01-02"
)

// Request asks for a slot for one new position
type Request struct {
	Symbol string  `json:"symbol"`
	Sector string  `json:"sector"`
	Risk   float64 `json:"risk"` // lot × R, informational
}

// Verdict is the outcome of a limit check
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(reason Reason, format string, args ...interface{}) Verdict {
	return Verdict{Allowed: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits are the hard gates applied to every new position
type Limits struct {
	Capital             float64 `yaml:"capital" json:"capital"`                                   // 250000
	DailyRiskCapPercent float64 `yaml:"daily_risk_cap_percent" json:"daily_risk_cap_percent"`     // 2.0
	MaxActivePositions  int     `yaml:"max_active_positions" json:"max_active_positions"`         // 5
	MaxPerSector        int     `yaml:"max_positions_per_sector" json:"max_positions_per_sector"` // 2
}

// DefaultLimits returns the standard risk limits
func DefaultLimits() Limits {
	return Limits{
		Capital:             250000,
		DailyRiskCapPercent: 2.0,
		MaxActivePositions:  5,
		MaxPerSector:        2,
	}
}

// Validate checks that every limit is positive
func (l Limits) Validate() error {
	if l.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %.2f", l.Capital)
	}
	if l.DailyRiskCapPercent <= 0 || l.DailyRiskCapPercent > 100 {
		return fmt.Errorf("daily risk cap must be in (0,100], got %.2f", l.DailyRiskCapPercent)
	}
	if l.MaxActivePositions <= 0 || l.MaxPerSector <= 0 {
		return fmt.Errorf("position limits must be positive, got max=%d per_sector=%d", l.MaxActivePositions, l.MaxPerSector)
	}
	return nil
}

// CapAmount returns the daily loss budget in currency
func (l Limits) CapAmount() decimal.Decimal {
	return decimal.NewFromFloat(l.Capital).Mul(decimal.NewFromFloat(l.DailyRiskCapPercent)).Div(decimal.NewFromInt(100))
}

// State is a point-in-time copy of the engine counters
type State struct {
	TradingDay        string            `json:"trading_day"`
	DailyRealizedLoss float64           `json:"daily_realized_loss"`
	DailyRealizedPnL  float64           `json:"daily_realized_pnl"`
	DailyCap          float64           `json:"daily_cap"`
	CapRemaining      float64           `json:"cap_remaining"`
	OpenPositions     int               `json:"open_positions"`
	SectorCounts      map[string]int    `json:"sector_counts"`
	OpenSymbols       []string          `json:"open_symbols"`
	Sectors           map[string]string `json:"open_by_symbol"` // symbol → sector
}

// Engine serializes limit checks, slot reservation and the day boundary
type Engine struct {
	mu      sync.Mutex
	limits  Limits
	loc     *time.Location
	day     string
	loss    decimal.Decimal // gross losses booked today
	pnl     decimal.Decimal // net PnL booked today
	open    map[string]string
	sectors map[string]int
}

// Istanbul returns the Europe/Istanbul location
func Istanbul() *time.Location {
	loc, err := time.LoadLocation(istanbulZone)
	if err != nil {
		// Turkey has used a fixed UTC+3 offset since 2016
		return time.FixedZone("TRT", 3*60*60)
	}
	return loc
}

// NewEngine creates a risk engine. A nil location means Istanbul.
func NewEngine(limits Limits, loc *time.Location) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create risk engine: %w", err)
	}
	if loc == nil {
		loc = Istanbul()
	}
	return &Engine{
		limits:  limits,
		loc:     loc,
		open:    make(map[string]string),
		sectors: make(map[string]int),
	}, nil
}

// Limits returns the configured limits
func (e *Engine) Limits() Limits {
	return e.limits
}

// TradingDay returns the Istanbul calendar date of t
func (e *Engine) TradingDay(t time.Time) string {
	return t.In(e.loc).Format(dayLayout)
}

// TryOpen checks every gate and reserves a slot in one step
func (e *Engine) TryOpen(now time.Time, req Request) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollLocked(now)
	v := e.checkLocked(req, e.loss)
	if !v.Allowed {
		log.Info().Str("symbol", req.Symbol).Str("sector", req.Sector).
			Str("reason", string(v.Reason)).Str("detail", v.Detail).Msg("Risk gate denied position")
		return v
	}

	e.open[req.Symbol] = req.Sector
	e.sectors[req.Sector]++
	return v
}

// CanOpen evaluates the gates without reserving or rolling the day
func (e *Engine) CanOpen(now time.Time, req Request) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	loss := e.loss
	if e.day != e.TradingDay(now) {
		loss = decimal.Zero
	}
	return e.checkLocked(req, loss)
}

func (e *Engine) checkLocked(req Request, loss decimal.Decimal) Verdict {
	if capAmount := e.limits.CapAmount(); loss.GreaterThanOrEqual(capAmount) {
		return deny(ReasonDailyRiskCap, "daily loss %s reached cap %s", loss.StringFixed(2), capAmount.StringFixed(2))
	}
	if len(e.open) >= e.limits.MaxActivePositions {
		return deny(ReasonMaxPositions, "%d of %d positions open", len(e.open), e.limits.MaxActivePositions)
	}
	if n := e.sectors[req.Sector]; n >= e.limits.MaxPerSector {
		return deny(ReasonSectorLimit, "%d of %d positions open in sector %s", n, e.limits.MaxPerSector, req.Sector)
	}
	if _, ok := e.open[req.Symbol]; ok {
		return deny(ReasonAlreadyOpen, "position already open for %s", req.Symbol)
	}
	return allow()
}

// Realize books partial PnL on an open position
func (e *Engine) Realize(now time.Time, symbol string, pnl float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.open[symbol]; !ok {
		return fmt.Errorf("failed to realize %s: %w", symbol, ErrNotOpen)
	}
	e.rollLocked(now)
	e.bookLocked(pnl)
	return nil
}

// Release frees the slot of a closed position and books its final PnL
func (e *Engine) Release(now time.Time, symbol string, pnl float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sector, ok := e.open[symbol]
	if !ok {
		return fmt.Errorf("failed to release %s: %w", symbol, ErrNotOpen)
	}
	e.rollLocked(now)
	e.bookLocked(pnl)

	delete(e.open, symbol)
	if e.sectors[sector] > 1 {
		e.sectors[sector]--
	} else {
		delete(e.sectors, sector)
	}
	return nil
}

// Cancel frees a reserved slot without booking PnL
func (e *Engine) Cancel(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sector, ok := e.open[symbol]
	if !ok {
		return
	}
	delete(e.open, symbol)
	if e.sectors[sector] > 1 {
		e.sectors[sector]--
	} else {
		delete(e.sectors, sector)
	}
}

func (e *Engine) bookLocked(pnl float64) {
	amount := decimal.NewFromFloat(pnl)
	e.pnl = e.pnl.Add(amount)
	if amount.IsNegative() {
		e.loss = e.loss.Add(amount.Neg())
	}
}

// ResetIfNewDay clears the daily loss when now falls on a later Istanbul date.
// It reports whether a reset happened.
func (e *Engine) ResetIfNewDay(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollLocked(now)
}

func (e *Engine) rollLocked(now time.Time) bool {
	day := e.TradingDay(now)
	if day == e.day {
		return false
	}
	first := e.day == ""
	if !first && day < e.day {
		return false // clocks never move a trading day backwards
	}
	prev := e.day
	e.day = day
	e.loss = decimal.Zero
	e.pnl = decimal.Zero
	if !first {
		log.Info().Str("from", prev).Str("to", day).Msg("Risk state reset for new trading day")
	}
	return !first
}

// Snapshot returns a copy of the counters
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	capAmount := e.limits.CapAmount()
	remaining := capAmount.Sub(e.loss)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	sectors := make(map[string]int, len(e.sectors))
	for k, v := range e.sectors {
		sectors[k] = v
	}
	bySymbol := make(map[string]string, len(e.open))
	symbols := make([]string, 0, len(e.open))
	for s, sector := range e.open {
		symbols = append(symbols, s)
		bySymbol[s] = sector
	}
	sort.Strings(symbols)

	return State{
		TradingDay:        e.day,
		DailyRealizedLoss: e.loss.InexactFloat64(),
		DailyRealizedPnL:  e.pnl.InexactFloat64(),
		DailyCap:          capAmount.InexactFloat64(),
		CapRemaining:      remaining.InexactFloat64(),
		OpenPositions:     len(e.open),
		SectorCounts:      sectors,
		OpenSymbols:       symbols,
		Sectors:           bySymbol,
	}
}

// Restore loads persisted counters. Open slots are rebuilt from sectors.
func (e *Engine) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.day = s.TradingDay
	e.loss = decimal.NewFromFloat(s.DailyRealizedLoss)
	e.pnl = decimal.NewFromFloat(s.DailyRealizedPnL)
	if e.loss.IsNegative() {
		e.loss = decimal.Zero
	}
	e.open = make(map[string]string, len(s.Sectors))
	e.sectors = make(map[string]int)
	for symbol, sector := range s.Sectors {
		e.open[symbol] = sector
		e.sectors[sector]++
	}
}
