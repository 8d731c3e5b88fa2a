package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// rising returns n daily bars closing at 50, 50.5, ...
func rising(n int) []market.Bar {
	start := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		c := 50 + 0.5*float64(i)
		bars[i] = market.Bar{
			Symbol: "FROTO",
			Time:   start.AddDate(0, 0, i),
			Open:   c - 0.15,
			High:   c + 0.25,
			Low:    c - 0.25,
			Close:  c,
			Volume: 1e6,
		}
	}
	return bars
}

// trendPreset buys the steady uptrend used in these tests (composite 59)
func trendPreset(t *testing.T) regime.PresetConfig {
	t.Helper()
	pc, err := regime.DefaultBook().Get(regime.Balanced)
	require.NoError(t, err)
	pc.Thresholds = composite.Thresholds{Buy: 58, Sell: 20}
	return pc
}

func TestRunEndOfWindow(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Symbol:  "FROTO",
		Sector:  "otomotiv",
		Bars:    rising(70),
		Capital: 250000,
		Preset:  trendPreset(t),
	})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "end_of_window", tr.Reason)
	assert.Equal(t, 74.5, tr.Entry)
	assert.Equal(t, 84.5, tr.Exit)
	assert.Greater(t, tr.Lot, 0)
	assert.InDelta(t, float64(tr.Lot)*10, tr.PnL, 1e-6)
	assert.False(t, tr.Partial)
	assert.Equal(t, 20, tr.Bars)

	assert.Equal(t, 1, res.Metrics.Trades)
	assert.Equal(t, 100.0, res.Metrics.WinRate)
	assert.InDelta(t, 250000+tr.PnL, res.Metrics.EndingCapital, 1e-6)
	assert.Equal(t, 1, res.Signals.Buy)
}

func TestRunTargetsThenSecondEntry(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Symbol:  "FROTO",
		Sector:  "otomotiv",
		Bars:    rising(110),
		Capital: 250000,
		Preset:  trendPreset(t),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	first := res.Trades[0]
	assert.Equal(t, exits.Target2.String(), first.Reason)
	assert.True(t, first.Partial)
	assert.Greater(t, first.PnL, 0.0)
	assert.InDelta(t, first.Entry+2*(first.Entry-first.Stop), first.Exit, 1e-6)

	// the last trade is force-closed on the final bar
	lastTrade := res.Trades[len(res.Trades)-1]
	if len(res.Trades) > 1 {
		assert.Equal(t, "end_of_window", lastTrade.Reason)
	}
	assert.Zero(t, res.Metrics.MaxDrawdown)
}

func TestRunPartialFlagWithSingleLot(t *testing.T) {
	// 1% of 1500 over a stop distance of 11.045 sizes a single share, so the
	// first target closes nothing and the whole lot exits at target 2
	res, err := Run(context.Background(), Request{
		Symbol:  "FROTO",
		Sector:  "otomotiv",
		Bars:    rising(110),
		Capital: 1500,
		Preset:  trendPreset(t),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	first := res.Trades[0]
	assert.Equal(t, 1, first.Lot)
	assert.Equal(t, exits.Target2.String(), first.Reason)
	assert.True(t, first.Partial)
	assert.InDelta(t, 96.59-74.5, first.PnL, 1e-6)
}

func TestRunDeterministic(t *testing.T) {
	req := Request{Symbol: "FROTO", Bars: rising(110), Capital: 100000, Preset: trendPreset(t)}

	a, err := Run(context.Background(), req)
	require.NoError(t, err)
	b, err := Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a.Metrics, b.Metrics)
	require.Len(t, b.Trades, len(a.Trades))
	for i := range a.Trades {
		assert.Equal(t, a.Trades[i].PnL, b.Trades[i].PnL)
		assert.Equal(t, a.Trades[i].PositionID, b.Trades[i].PositionID)
	}
}

func TestRunAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, Request{Symbol: "FROTO", Bars: rising(70), Preset: trendPreset(t)})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrSimulationAborted))
}

func TestRunNotEnoughBars(t *testing.T) {
	_, err := Run(context.Background(), Request{Symbol: "FROTO", Bars: rising(30), Preset: trendPreset(t)})
	assert.ErrorIs(t, err, ErrNotEnoughBars)
}

func TestRunInvalidPreset(t *testing.T) {
	pc := trendPreset(t)
	pc.Thresholds = composite.Thresholds{Buy: 40, Sell: 60}

	_, err := Run(context.Background(), Request{Symbol: "FROTO", Bars: rising(70), Preset: pc})
	assert.Error(t, err)
}

func TestRunHoldOnlyHasNoTrades(t *testing.T) {
	pc := trendPreset(t)
	pc.Thresholds = composite.Thresholds{Buy: 95, Sell: 5}

	res, err := Run(context.Background(), Request{Symbol: "FROTO", Bars: rising(70), Preset: pc})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.Signals.Buy)
	assert.Equal(t, 20, res.Signals.Hold)
	assert.Equal(t, res.Metrics.StartingEquity, res.Metrics.EndingCapital)
}

func TestComputeMetrics(t *testing.T) {
	trades := []Trade{
		{PnL: 1000, R: 1},
		{PnL: -500, R: -1},
		{PnL: -500, R: -1},
		{PnL: 2000, R: 2},
	}
	m := Compute(trades, 10000)

	assert.Equal(t, 4, m.Trades)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.Equal(t, 50.0, m.WinRate)
	assert.Equal(t, 500.0, m.Expectancy)
	assert.Equal(t, 0.25, m.ExpectancyR)
	assert.Equal(t, 2000.0, m.TotalPnL)
	assert.Equal(t, 3.0, m.ProfitFactor)
	assert.Equal(t, 12000.0, m.EndingCapital)
	// peak 11000, trough 10000
	assert.InDelta(t, 100.0/11.0, m.MaxDrawdown, 1e-9)
}

func TestComputeEmpty(t *testing.T) {
	m := Compute(nil, 5000)
	assert.Zero(t, m.Trades)
	assert.Equal(t, 5000.0, m.EndingCapital)
	assert.Zero(t, m.ProfitFactor)
}
