package composite

import (
	"fmt"
	"math"
)

// SizingConfig bounds the lot of a new position
type SizingConfig struct {
	Capital          float64 `yaml:"capital" json:"capital"`                       // 250000 TRY
	RiskPerTradePct  float64 `yaml:"risk_per_trade_pct" json:"risk_per_trade_pct"` // 1.0
	MaxAllocationPct float64 `yaml:"max_allocation_pct" json:"max_allocation_pct"` // 20.0
}

// DefaultSizingConfig returns the standard sizing limits
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		Capital:          250000,
		RiskPerTradePct:  1.0,
		MaxAllocationPct: 20.0,
	}
}

// Validate checks capital and percentages
func (c SizingConfig) Validate() error {
	if c.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %.2f", c.Capital)
	}
	if c.RiskPerTradePct <= 0 || c.RiskPerTradePct > 100 {
		return fmt.Errorf("risk per trade must be in (0,100], got %.2f", c.RiskPerTradePct)
	}
	if c.MaxAllocationPct <= 0 || c.MaxAllocationPct > 100 {
		return fmt.Errorf("max allocation must be in (0,100], got %.2f", c.MaxAllocationPct)
	}
	return nil
}

// Lot returns the whole-share quantity allowed by the risk budget, the
// allocation cap and, when positive, the symbol budget.
func (c SizingConfig) Lot(entry, riskPerShare, budget float64) int {
	if entry <= 0 || riskPerShare <= 0 {
		return 0
	}
	lot := math.Floor(c.Capital * c.RiskPerTradePct / 100 / riskPerShare)
	lot = math.Min(lot, math.Floor(c.Capital*c.MaxAllocationPct/100/entry))
	if budget > 0 {
		lot = math.Min(lot, math.Floor(budget/entry))
	}
	if lot < 0 {
		return 0
	}
	return int(lot)
}
