package composite

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

var balanced = Weights{Technical: 0.40, Fundamental: 0.25, News: 0.15, Regime: 0.20}

func uniform(v float64) factors.Scores {
	s := factors.Score{Value: v, Source: factors.SourceComputed}
	return factors.Scores{Symbol: "ASELS", Technical: s, Fundamental: s, News: s, Regime: s}
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, balanced.Validate())

	off := balanced
	off.News += 0.01
	assert.Error(t, off.Validate())

	within := balanced
	within.News += 1e-7
	assert.NoError(t, within.Validate())

	negative := Weights{Technical: 1.2, Fundamental: -0.2}
	assert.Error(t, negative.Validate())
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{Buy: 72, Sell: 40}.Validate())
	assert.Error(t, Thresholds{Buy: 40, Sell: 40}.Validate())
	assert.Error(t, Thresholds{Buy: 30, Sell: 40}.Validate())
	assert.Error(t, Thresholds{Buy: 120, Sell: 40}.Validate())
}

func TestCompositeWeightedSum(t *testing.T) {
	s := factors.Scores{
		Technical:   factors.Score{Value: 90},
		Fundamental: factors.Score{Value: 50},
		News:        factors.Score{Value: 50},
		Regime:      factors.Score{Value: 70},
	}
	assert.InDelta(t, 0.4*90+0.25*50+0.15*50+0.2*70, Composite(s, balanced), 1e-9)
}

func TestClassifyIsMonotonic(t *testing.T) {
	th := Thresholds{Buy: 72, Sell: 40}
	assert.Equal(t, LabelSell, Classify(40, th))
	assert.Equal(t, LabelHold, Classify(40.01, th))
	assert.Equal(t, LabelHold, Classify(71.99, th))
	assert.Equal(t, LabelBuy, Classify(72, th))

	rank := map[Label]int{LabelSell: 0, LabelHold: 1, LabelBuy: 2}
	prev := Classify(0, th)
	for c := 0.0; c <= 100; c += 0.25 {
		cur := Classify(c, th)
		require.GreaterOrEqual(t, rank[cur], rank[prev], "score %.2f", c)
		require.LessOrEqual(t, rank[cur]-rank[prev], 1, "label jumped at %.2f", c)
		prev = cur
	}
}

func TestConfidence(t *testing.T) {
	th := Thresholds{Buy: 72, Sell: 40}
	assert.InDelta(t, (80.0-72)/28*100, Confidence(LabelBuy, 80, th), 1e-9)
	assert.InDelta(t, 50.0, Confidence(LabelSell, 20, th), 1e-9)
	assert.InDelta(t, 100.0, Confidence(LabelHold, 56, th), 1e-9)
	assert.InDelta(t, 0.0, Confidence(LabelHold, 72, th), 1e-9)
	assert.Equal(t, 0.0, Confidence(LabelBuy, 50, th), "clamped")
}

func TestLabelJSON(t *testing.T) {
	data, err := json.Marshal(LabelBuy)
	require.NoError(t, err)
	assert.Equal(t, `"BUY"`, string(data))

	var l Label
	require.NoError(t, json.Unmarshal([]byte(`"SELL"`), &l))
	assert.Equal(t, LabelSell, l)
	assert.Error(t, json.Unmarshal([]byte(`"MAYBE"`), &l))

	parsed, err := ParseLabel("al")
	require.NoError(t, err)
	assert.Equal(t, LabelBuy, parsed)
}

func TestSizingLot(t *testing.T) {
	cfg := DefaultSizingConfig() // 250k, 1% risk, 20% allocation

	// risk budget 2500 / R 5 = 500; allocation 50000 / 100 = 500
	assert.Equal(t, 500, cfg.Lot(100, 5, 0))
	// allocation binds: 50000 / 100 = 500 < 2500 / 1
	assert.Equal(t, 500, cfg.Lot(100, 1, 0))
	// risk binds: 2500 / 10 = 250
	assert.Equal(t, 250, cfg.Lot(100, 10, 0))
	// symbol budget binds: 25000 / 100
	assert.Equal(t, 250, cfg.Lot(100, 1, 25000))
	assert.Equal(t, 0, cfg.Lot(100, 0, 0))
}

func TestStopPolicies(t *testing.T) {
	bars := []market.Bar{
		{Open: 100, High: 104, Low: 95, Close: 100},
		{Open: 100, High: 106, Low: 97, Close: 101},
	}

	sp, err := NewStopPolicy(DefaultStopConfig())
	require.NoError(t, err)
	stop, ok := sp.Stop(LabelBuy, 101, bars)
	require.True(t, ok)
	assert.InDelta(t, 95*0.98, stop, 1e-9)
	stop, _ = sp.Stop(LabelSell, 101, bars)
	assert.InDelta(t, 106*1.02, stop, 1e-9)

	band := BandStop{Pct: 2}
	stop, _ = band.Stop(LabelBuy, 100, nil)
	assert.InDelta(t, 98.0, stop, 1e-9)
	stop, _ = band.Stop(LabelSell, 100, nil)
	assert.InDelta(t, 102.0, stop, 1e-9)

	atr := ATRStop{Period: 14, K: 2}
	_, ok = atr.Stop(LabelBuy, 100, bars)
	assert.False(t, ok, "not enough bars for ATR14")

	_, err = NewStopPolicy(StopConfig{Policy: "moon"})
	assert.Error(t, err)
}

func newModel(t *testing.T, bandPct float64) *Model {
	t.Helper()
	m, err := NewModelWithPolicy(DefaultConfig(), BandStop{Pct: bandPct})
	require.NoError(t, err)
	return m
}

func request(score float64) Request {
	return Request{
		Symbol:     "ASELS",
		Time:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Scores:     uniform(score),
		Weights:    balanced,
		Thresholds: Thresholds{Buy: 72, Sell: 40},
		Preset:     Preset{Name: "BALANCED", Source: "named"},
		Price:      100,
	}
}

func TestDecideBuyWithinStopDistance(t *testing.T) {
	d := newModel(t, 1).Decide(request(80))

	assert.Equal(t, LabelBuy, d.Label)
	assert.Equal(t, LabelBuy, d.Signal)
	assert.True(t, d.Actionable)
	assert.Empty(t, d.Downgrade)
	assert.InDelta(t, 99.0, d.Stop, 1e-9)
	assert.InDelta(t, 101.0, d.Target1, 1e-9)
	assert.InDelta(t, 102.0, d.Target2, 1e-9)
	assert.Equal(t, 500, d.Lot)
	assert.InDelta(t, 500.0, d.Risk, 1e-6)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "band", d.StopPolicy)
}

func TestDecideStopTooTightDowngradesToHold(t *testing.T) {
	d := newModel(t, 0.2).Decide(request(80)) // stop 99.8, distance 0.2 < 0.5

	assert.Equal(t, LabelHold, d.Label)
	assert.Equal(t, LabelBuy, d.Signal)
	assert.Equal(t, DowngradeStopDistance, d.Downgrade)
	assert.False(t, d.Actionable)
	assert.Zero(t, d.Lot)
}

func TestDecideStopTooWideDowngradesToHold(t *testing.T) {
	req := request(20)
	d := newModel(t, 25).Decide(req) // distance 25 > 20

	assert.Equal(t, LabelHold, d.Label)
	assert.Equal(t, LabelSell, d.Signal)
	assert.Equal(t, DowngradeStopDistance, d.Downgrade)
}

func TestDecideSell(t *testing.T) {
	d := newModel(t, 2).Decide(request(20))

	assert.Equal(t, LabelSell, d.Label)
	assert.True(t, d.Actionable)
	assert.InDelta(t, 102.0, d.Stop, 1e-9)
	assert.InDelta(t, 98.0, d.Target1, 1e-9)
	assert.InDelta(t, 96.0, d.Target2, 1e-9)
	assert.Zero(t, d.Lot, "sell signals never size a position")
}

func TestDecideHold(t *testing.T) {
	d := newModel(t, 2).Decide(request(56))
	assert.Equal(t, LabelHold, d.Label)
	assert.False(t, d.Actionable)
	assert.InDelta(t, 100.0, d.Confidence, 1e-9)
	assert.InDelta(t, 99.0, d.K1, 1e-9, "no trend data, wide staging")
	assert.InDelta(t, 97.5, d.K2, 1e-9)
}

func TestDecideLotBelowOne(t *testing.T) {
	req := request(80)
	req.Budget = 50 // cannot afford one share at 100
	d := newModel(t, 1).Decide(req)

	assert.Equal(t, LabelBuy, d.Label)
	assert.False(t, d.Actionable)
	assert.Equal(t, DowngradeLotBelowOne, d.Downgrade)
}

func TestReplan(t *testing.T) {
	m := newModel(t, 1)
	d := m.Decide(request(80))

	moved, ok := m.Replan(d, 110, nil, 0)
	require.True(t, ok)
	assert.InDelta(t, 110.0, moved.Entry, 1e-9)
	assert.InDelta(t, 108.9, moved.Stop, 1e-9)
	assert.Equal(t, d.ID, moved.ID)

	tight := newModel(t, 0.2)
	_, ok = tight.Replan(d, 110, nil, 0) // 0.22 < 0.5
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.TP2R = 0.5
	_, err := NewModel(bad)
	assert.Error(t, err)
}
