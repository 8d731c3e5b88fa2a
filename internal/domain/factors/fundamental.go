package factors

import "github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"

// Fundamental averages the sub-scores of the ratios that are reported
func (b *Builder) Fundamental(f *market.Fundamentals) Score {
	if f.Empty() {
		return neutral(ReasonFundamentalsUnavailable)
	}

	var sum float64
	var n int
	add := func(v *float64, score func(float64) float64) {
		if v == nil {
			return
		}
		sum += score(*v)
		n++
	}
	add(f.PriceEarnings, scorePE)
	add(f.PriceBook, scorePB)
	add(f.ROE, scoreROE)
	add(f.DebtEquity, scoreDE)

	return computed(sum / float64(n))
}

func scorePE(pe float64) float64 {
	switch {
	case pe <= 0:
		return 20 // loss making
	case pe < 8:
		return 85
	case pe < 15:
		return 70
	case pe < 25:
		return 50
	default:
		return 30
	}
}

func scorePB(pb float64) float64 {
	switch {
	case pb <= 0:
		return 20
	case pb < 1:
		return 80
	case pb < 2:
		return 65
	case pb < 4:
		return 50
	default:
		return 30
	}
}

func scoreROE(roe float64) float64 {
	switch {
	case roe >= 25:
		return 85
	case roe >= 15:
		return 70
	case roe >= 5:
		return 50
	case roe >= 0:
		return 35
	default:
		return 15
	}
}

func scoreDE(de float64) float64 {
	switch {
	case de < 0:
		return 20 // negative equity
	case de < 0.5:
		return 80
	case de < 1:
		return 65
	case de < 2:
		return 45
	default:
		return 25
	}
}
