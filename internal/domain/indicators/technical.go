package indicators

import (
	"math"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

// TradingDaysPerYear annualizes daily volatility
const TradingDaysPerYear = 252

// Result is the outcome of a single-value indicator calculation
type Result struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

func invalid(period, n int, fallback float64) Result {
	return Result{Value: fallback, Period: period, IsValid: false, DataCount: n}
}

// EMASeries returns the exponential moving average of prices, seeded with the first
// price and smoothed with alpha = 2/(period+1). The output has the same length as
// the input.
func EMASeries(prices []float64, period int) []float64 {
	if len(prices) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(prices))
	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = alpha*prices[i] + (1-alpha)*out[i-1]
	}
	return out
}

// CalculateEMA returns the latest EMA value. It is marked invalid when fewer than
// period prices are available, but still carries the best available estimate.
func CalculateEMA(prices []float64, period int) Result {
	series := EMASeries(prices, period)
	if len(series) == 0 {
		return invalid(period, 0, 0)
	}
	return Result{
		Value:     series[len(series)-1],
		Period:    period,
		IsValid:   len(prices) >= period,
		DataCount: len(prices),
	}
}

// CalculateRSI calculates the Relative Strength Index using Wilder smoothing
func CalculateRSI(prices []float64, period int) Result {
	if period <= 0 || len(prices) < period+1 {
		return invalid(period, len(prices), 50.0) // neutral when data is short
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(prices); i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
	}

	value := 100.0
	if avgLoss > 0 {
		value = 100.0 - 100.0/(1.0+avgGain/avgLoss)
	} else if avgGain == 0 {
		value = 50.0 // flat series
	}

	return Result{Value: value, Period: period, IsValid: true, DataCount: len(prices)}
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

// CalculateATR calculates the Average True Range with Wilder smoothing
func CalculateATR(bars []market.Bar, period int) Result {
	if period <= 0 || len(bars) < period+1 {
		return invalid(period, len(bars), 0)
	}

	trueRange := func(i int) float64 {
		prevClose := bars[i-1].Close
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - prevClose)
		lc := math.Abs(bars[i].Low - prevClose)
		return math.Max(hl, math.Max(hc, lc))
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(i)
	}
	atr /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = atr*(1-alpha) + trueRange(i)*alpha
	}

	return Result{Value: atr, Period: period, IsValid: true, DataCount: len(bars)}
}

// SupportLow returns the lowest low over the last lookback bars
func SupportLow(bars []market.Bar, lookback int) Result {
	if lookback <= 0 || len(bars) == 0 {
		return invalid(lookback, len(bars), 0)
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	low := bars[start].Low
	for _, b := range bars[start+1:] {
		if b.Low < low {
			low = b.Low
		}
	}
	return Result{Value: low, Period: lookback, IsValid: len(bars) >= lookback, DataCount: len(bars)}
}

// AnnualizedVolatility returns the sample standard deviation of the last period
// log returns, annualized and expressed in percent.
func AnnualizedVolatility(prices []float64, period int) Result {
	if period < 2 || len(prices) < period+1 {
		return invalid(period, len(prices), 0)
	}
	window := prices[len(prices)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i] <= 0 || window[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	if len(returns) < 2 {
		return invalid(period, len(prices), 0)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return Result{
		Value:     math.Sqrt(variance) * math.Sqrt(TradingDaysPerYear) * 100,
		Period:    period,
		IsValid:   true,
		DataCount: len(prices),
	}
}
