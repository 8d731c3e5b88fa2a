package backtest

// Metrics summarizes the closed trades of a replay
type Metrics struct {
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`      // percent
	Expectancy     float64 `json:"expectancy"`    // mean PnL per trade
	ExpectancyR    float64 `json:"expectancy_r"`  // mean R multiple
	TotalPnL       float64 `json:"total_pnl"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`    // positive amount
	ProfitFactor   float64 `json:"profit_factor"` // zero when no trade lost
	MaxDrawdown    float64 `json:"max_drawdown"`  // percent of peak closed-trade equity
	StartingEquity float64 `json:"starting_equity"`
	EndingCapital  float64 `json:"ending_capital"`
}

// Compute derives the summary from trades in close order
func Compute(trades []Trade, capital float64) Metrics {
	m := Metrics{Trades: len(trades), StartingEquity: capital, EndingCapital: capital}
	if len(trades) == 0 {
		return m
	}

	equity, peak := capital, capital
	var sumR float64
	for _, t := range trades {
		m.TotalPnL += t.PnL
		sumR += t.R
		switch {
		case t.PnL > 0:
			m.Wins++
			m.GrossProfit += t.PnL
		case t.PnL < 0:
			m.Losses++
			m.GrossLoss -= t.PnL
		}

		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak * 100; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}

	n := float64(len(trades))
	m.WinRate = float64(m.Wins) / n * 100
	m.Expectancy = m.TotalPnL / n
	m.ExpectancyR = sumR / n
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}
	m.EndingCapital = capital + m.TotalPnL
	return m
}
