package factors

import (
	"fmt"
	"math"
	"time"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/indicators"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

// Neutral is the score used whenever an input is missing
const Neutral = 50.0

// Source tells whether a sub-score was computed or fell back to neutral
type Source string

const (
	SourceComputed Source = "computed"
	SourceFallback Source = "neutral_fallback"
)

// Fallback reasons
const (
	ReasonInsufficientBars        = "insufficient_bars"
	ReasonFundamentalsUnavailable = "fundamentals_unavailable"
	ReasonNoRecentNews            = "no_recent_news"
	ReasonRegimeUnavailable       = "regime_unavailable"
)

// Score is one normalized sub-score in [0,100]
type Score struct {
	Value  float64 `json:"value"`
	Source Source  `json:"source"`
	Reason string  `json:"reason,omitempty"`
}

// Fallback reports whether the score is a neutral substitute for missing data
func (s Score) Fallback() bool {
	return s.Source == SourceFallback
}

func computed(v float64) Score {
	return Score{Value: Clamp(v), Source: SourceComputed}
}

func neutral(reason string) Score {
	return Score{Value: Neutral, Source: SourceFallback, Reason: reason}
}

// Scores holds the four factor sub-scores of one evaluation
type Scores struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	Technical   Score     `json:"technical"`
	Fundamental Score     `json:"fundamental"`
	News        Score     `json:"news"`
	Regime      Score     `json:"regime"`
}

// NeutralScores returns scores with every factor at the neutral fallback
func NeutralScores(symbol string, ts time.Time) Scores {
	return Scores{
		Symbol:      symbol,
		Timestamp:   ts,
		Technical:   neutral(ReasonInsufficientBars),
		Fundamental: neutral(ReasonFundamentalsUnavailable),
		News:        neutral(ReasonNoRecentNews),
		Regime:      neutral(ReasonRegimeUnavailable),
	}
}

// Config holds indicator periods and windows used by the builder
type Config struct {
	MinBars         int           `yaml:"min_bars" json:"min_bars"`                 // 50
	FastEMA         int           `yaml:"fast_ema" json:"fast_ema"`                 // 50
	SlowEMA         int           `yaml:"slow_ema" json:"slow_ema"`                 // 200
	RSIPeriod       int           `yaml:"rsi_period" json:"rsi_period"`             // 14
	SupportLookback int           `yaml:"support_lookback" json:"support_lookback"` // 20
	VolPeriod       int           `yaml:"vol_period" json:"vol_period"`             // 20
	SlopeBars       int           `yaml:"slope_bars" json:"slope_bars"`             // 10
	NewsLookback    time.Duration `yaml:"news_lookback" json:"news_lookback"`       // 24h
}

// DefaultConfig returns the standard factor configuration
func DefaultConfig() Config {
	return Config{
		MinBars:         50,
		FastEMA:         50,
		SlowEMA:         200,
		RSIPeriod:       14,
		SupportLookback: 20,
		VolPeriod:       20,
		SlopeBars:       10,
		NewsLookback:    24 * time.Hour,
	}
}

// Validate checks that every period is positive
func (c Config) Validate() error {
	if c.MinBars <= 0 || c.FastEMA <= 0 || c.SlowEMA <= 0 || c.RSIPeriod <= 0 ||
		c.SupportLookback <= 0 || c.VolPeriod < 2 || c.SlopeBars <= 0 {
		return fmt.Errorf("factor periods must be positive: %+v", c)
	}
	if c.NewsLookback <= 0 {
		return fmt.Errorf("news lookback must be positive, got %s", c.NewsLookback)
	}
	return nil
}

// Inputs carries the raw data for one symbol. Nil or empty fields are treated
// as unavailable.
type Inputs struct {
	Symbol       string
	Now          time.Time
	Bars         []market.Bar
	Fundamentals *market.Fundamentals
	Headlines    []market.Headline
	IndexBars    []market.Bar
}

// Builder converts raw inputs into factor sub-scores
type Builder struct {
	config Config
}

// NewBuilder creates a new factor builder
func NewBuilder(config Config) *Builder {
	return &Builder{config: config}
}

// Config returns the builder configuration
func (b *Builder) Config() Config {
	return b.config
}

// Build computes all four sub-scores. It never fails: missing data yields a
// neutral fallback with a reason.
func (b *Builder) Build(in Inputs) Scores {
	return Scores{
		Symbol:      in.Symbol,
		Timestamp:   in.Now,
		Technical:   b.Technical(in.Bars),
		Fundamental: b.Fundamental(in.Fundamentals),
		News:        b.News(in.Headlines, in.Now),
		Regime:      b.Regime(in.IndexBars),
	}
}

// Technical scores trend, momentum and support proximity of the symbol's bars
func (b *Builder) Technical(bars []market.Bar) Score {
	if len(bars) < b.config.MinBars {
		return neutral(ReasonInsufficientBars)
	}
	closes := market.Closes(bars)
	price := closes[len(closes)-1]
	fast := indicators.CalculateEMA(closes, b.config.FastEMA).Value
	slow := indicators.CalculateEMA(closes, b.config.SlowEMA).Value
	rsi := indicators.CalculateRSI(closes, b.config.RSIPeriod).Value
	support := indicators.SupportLow(bars, b.config.SupportLookback).Value

	score := Neutral
	score += sign(price > fast, 15)
	score += sign(fast > slow, 10)

	switch {
	case rsi < 30 || (rsi >= 40 && rsi <= 55):
		score += 10
	case rsi > 70:
		score -= 15
	}

	if price > 0 {
		dist := (price - support) / price
		switch {
		case dist <= 0.03:
			score += 10
		case dist > 0.10:
			score -= 5
		}
	}

	return computed(score)
}

// Regime scores the broad market from index bars
func (b *Builder) Regime(index []market.Bar) Score {
	need := b.config.MinBars
	if n := b.config.SlopeBars + 1; n > need {
		need = n
	}
	if n := b.config.VolPeriod + 1; n > need {
		need = n
	}
	if len(index) < need {
		return neutral(ReasonRegimeUnavailable)
	}

	closes := market.Closes(index)
	ema := indicators.EMASeries(closes, b.config.FastEMA)
	last := len(closes) - 1

	score := Neutral
	score += sign(closes[last] > ema[last], 20)
	score += sign(ema[last] > ema[last-b.config.SlopeBars], 10)

	vol := indicators.AnnualizedVolatility(closes, b.config.VolPeriod)
	if vol.IsValid {
		switch {
		case vol.Value > 40:
			score -= 15
		case vol.Value < 20:
			score += 5
		}
	}

	return computed(score)
}

// Clamp bounds a score to [0,100]
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return Neutral
	}
	return math.Max(0, math.Min(100, v))
}

func sign(cond bool, pts float64) float64 {
	if cond {
		return pts
	}
	return -pts
}
