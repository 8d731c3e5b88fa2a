package composite

import (
	"fmt"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/indicators"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

// StopPolicy derives a protective stop for an entry. ok is false when the
// policy cannot produce a level from the available bars.
type StopPolicy interface {
	Name() string
	Stop(side Label, entry float64, bars []market.Bar) (stop float64, ok bool)
}

// StopConfig selects and parameterizes a stop policy
type StopConfig struct {
	Policy          string  `yaml:"policy" json:"policy"`                     // support | atr | band
	SupportLookback int     `yaml:"support_lookback" json:"support_lookback"` // 20
	SupportBuffer   float64 `yaml:"support_buffer" json:"support_buffer"`     // 0.02 below the low
	ATRPeriod       int     `yaml:"atr_period" json:"atr_period"`             // 14
	ATRMultiple     float64 `yaml:"atr_multiple" json:"atr_multiple"`         // 2.0
	BandPct         float64 `yaml:"band_pct" json:"band_pct"`                 // 2.0
}

// DefaultStopConfig returns the support-based stop used by the live engine
func DefaultStopConfig() StopConfig {
	return StopConfig{
		Policy:          "support",
		SupportLookback: 20,
		SupportBuffer:   0.02,
		ATRPeriod:       14,
		ATRMultiple:     2.0,
		BandPct:         2.0,
	}
}

// NewStopPolicy builds the configured policy
func NewStopPolicy(cfg StopConfig) (StopPolicy, error) {
	switch cfg.Policy {
	case "support", "":
		if cfg.SupportLookback <= 0 || cfg.SupportBuffer < 0 || cfg.SupportBuffer >= 1 {
			return nil, fmt.Errorf("invalid support stop settings: lookback=%d buffer=%.4f", cfg.SupportLookback, cfg.SupportBuffer)
		}
		return SupportStop{Lookback: cfg.SupportLookback, Buffer: cfg.SupportBuffer}, nil
	case "atr":
		if cfg.ATRPeriod <= 0 || cfg.ATRMultiple <= 0 {
			return nil, fmt.Errorf("invalid atr stop settings: period=%d k=%.2f", cfg.ATRPeriod, cfg.ATRMultiple)
		}
		return ATRStop{Period: cfg.ATRPeriod, K: cfg.ATRMultiple}, nil
	case "band":
		if cfg.BandPct <= 0 || cfg.BandPct >= 100 {
			return nil, fmt.Errorf("invalid band stop pct %.2f", cfg.BandPct)
		}
		return BandStop{Pct: cfg.BandPct}, nil
	default:
		return nil, fmt.Errorf("unknown stop policy %q", cfg.Policy)
	}
}

// SupportStop places the stop a buffer beyond the recent swing low (or high for SELL)
type SupportStop struct {
	Lookback int
	Buffer   float64
}

func (SupportStop) Name() string { return "support" }

func (p SupportStop) Stop(side Label, entry float64, bars []market.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	if side == LabelSell {
		return recentHigh(bars, p.Lookback) * (1 + p.Buffer), true
	}
	low := indicators.SupportLow(bars, p.Lookback)
	return low.Value * (1 - p.Buffer), true
}

func recentHigh(bars []market.Bar, lookback int) float64 {
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	high := bars[start].High
	for _, b := range bars[start+1:] {
		if b.High > high {
			high = b.High
		}
	}
	return high
}

// ATRStop places the stop k average true ranges away from entry
type ATRStop struct {
	Period int
	K      float64
}

func (ATRStop) Name() string { return "atr" }

func (p ATRStop) Stop(side Label, entry float64, bars []market.Bar) (float64, bool) {
	atr := indicators.CalculateATR(bars, p.Period)
	if !atr.IsValid {
		return 0, false
	}
	if side == LabelSell {
		return entry + p.K*atr.Value, true
	}
	return entry - p.K*atr.Value, true
}

// BandStop places the stop a fixed percentage away from entry
type BandStop struct {
	Pct float64
}

func (BandStop) Name() string { return "band" }

func (p BandStop) Stop(side Label, entry float64, _ []market.Bar) (float64, bool) {
	if side == LabelSell {
		return entry * (1 + p.Pct/100), true
	}
	return entry * (1 - p.Pct/100), true
}

// StopFilter bounds the acceptable absolute entry-to-stop distance
type StopFilter struct {
	MinDistance float64 `yaml:"min_stop_distance" json:"min_stop_distance"` // 0.5
	MaxDistance float64 `yaml:"max_stop_distance" json:"max_stop_distance"` // 20
}

// Allows reports whether |entry - stop| lies inside the bounds
func (f StopFilter) Allows(entry, stop float64) bool {
	d := entry - stop
	if d < 0 {
		d = -d
	}
	return d >= f.MinDistance && d <= f.MaxDistance
}

// Validate requires 0 ≤ min ≤ max and max > 0
func (f StopFilter) Validate() error {
	if f.MinDistance < 0 || f.MaxDistance <= 0 || f.MinDistance > f.MaxDistance {
		return fmt.Errorf("invalid stop distance bounds [%.4f, %.4f]", f.MinDistance, f.MaxDistance)
	}
	return nil
}
