package tune

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

func risingBars(n int) []market.Bar {
	start := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		c := 50 + 0.5*float64(i)
		bars[i] = market.Bar{Symbol: "TUPRS", Time: start.AddDate(0, 0, i), Open: c - 0.15, High: c + 0.25, Low: c - 0.25, Close: c}
	}
	return bars
}

func candidates(t *testing.T) []Candidate {
	t.Helper()
	strict, err := regime.DefaultBook().Get(regime.Balanced)
	require.NoError(t, err)
	loose := strict
	loose.Thresholds = composite.Thresholds{Buy: 58, Sell: 20}
	return []Candidate{
		{Name: "strict", Preset: strict},
		{Name: "loose", Preset: loose},
	}
}

func TestSplit(t *testing.T) {
	segs := split(risingBars(200), 80, 30)
	require.Len(t, segs, 4)

	assert.Equal(t, 0, segs[0].trainStart)
	assert.Equal(t, 80, segs[0].trainEnd)
	assert.Equal(t, 110, segs[0].testEnd)
	assert.Equal(t, 90, segs[3].trainStart)
	assert.Equal(t, 200, segs[3].testEnd)

	bars := risingBars(200)
	assert.Equal(t, bars[80].Time, segs[0].TestFrom)
	assert.Equal(t, bars[109].Time, segs[0].TestTo)
}

func TestCalibrateRecommendsOutOfSampleWinner(t *testing.T) {
	res, err := Calibrate(context.Background(), Request{
		Symbol:     "TUPRS",
		Bars:       risingBars(200),
		Capital:    250000,
		TrainBars:  80,
		TestBars:   30,
		Candidates: candidates(t),
	})
	require.NoError(t, err)

	assert.Len(t, res.Segments, 4)
	require.Len(t, res.Scores, 2)
	assert.Equal(t, "loose", res.Recommended)
	assert.Equal(t, "loose", res.Scores[0].Name)
	assert.Greater(t, res.Scores[0].TestExpectancy, 0.0)
	assert.Greater(t, res.Scores[0].TestTrades, 0)
	assert.Zero(t, res.Scores[1].TestTrades)
	assert.Equal(t, "loose", res.TrainBest)
	assert.False(t, res.Overfit)
	assert.Len(t, res.Scores[0].Segments, 4)
}

func TestCalibrateDeterministic(t *testing.T) {
	req := Request{
		Symbol:      "TUPRS",
		Bars:        risingBars(200),
		TrainBars:   80,
		TestBars:    30,
		Candidates:  candidates(t),
		Parallelism: 2,
	}
	a, err := Calibrate(context.Background(), req)
	require.NoError(t, err)
	b, err := Calibrate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a.Recommended, b.Recommended)
	assert.Equal(t, a.Scores, b.Scores)
}

func TestCalibrateTieBreaksByName(t *testing.T) {
	// the default book never buys a steady climb, so every score ties at zero
	res, err := Calibrate(context.Background(), Request{
		Symbol:    "TUPRS",
		Bars:      risingBars(200),
		TrainBars: 80,
		TestBars:  30,
	})
	require.NoError(t, err)

	require.Len(t, res.Scores, 3)
	assert.Equal(t, "AGGRESSIVE", res.Recommended)
	assert.Equal(t, "BALANCED", res.Scores[1].Name)
	assert.Equal(t, "DEFENSIVE", res.Scores[2].Name)
}

func TestCalibrateErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Calibrate(ctx, Request{Bars: risingBars(100), TrainBars: 80, TestBars: 30})
	assert.ErrorIs(t, err, ErrNoSegments)

	_, err = Calibrate(ctx, Request{Bars: risingBars(200), TrainBars: 40, TestBars: 30})
	assert.Error(t, err)

	_, err = Calibrate(ctx, Request{Bars: risingBars(200), TrainBars: 80, TestBars: 1})
	assert.Error(t, err)
}

func TestCalibrateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Calibrate(ctx, Request{Symbol: "TUPRS", Bars: risingBars(200), TrainBars: 80, TestBars: 30})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, backtest.ErrSimulationAborted)
}
