package factors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func trendBars(n int, start, step float64) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		c := start + float64(i)*step
		bars[i] = market.Bar{
			Symbol: "ASELS",
			Time:   t0.AddDate(0, 0, i-n),
			Open:   c - step/2,
			High:   c * 1.01,
			Low:    c * 0.99,
			Close:  c,
		}
	}
	return bars
}

func TestTechnical(t *testing.T) {
	b := NewBuilder(DefaultConfig())

	t.Run("insufficient bars", func(t *testing.T) {
		s := b.Technical(trendBars(10, 100, 1))
		assert.True(t, s.Fallback())
		assert.Equal(t, Neutral, s.Value)
		assert.Equal(t, ReasonInsufficientBars, s.Reason)
	})

	t.Run("steady uptrend", func(t *testing.T) {
		// +15 above EMA50, +10 EMA50 above EMA200, -15 overbought RSI, -5 far from support
		s := b.Technical(trendBars(60, 100, 1))
		assert.Equal(t, SourceComputed, s.Source)
		assert.InDelta(t, 55.0, s.Value, 1e-9)
	})

	t.Run("steady downtrend", func(t *testing.T) {
		// -15 below EMA50, -10 EMA50 below EMA200, +10 oversold RSI, +10 near support
		s := b.Technical(trendBars(60, 200, -1))
		assert.InDelta(t, 45.0, s.Value, 1e-9)
	})
}

func TestRegime(t *testing.T) {
	b := NewBuilder(DefaultConfig())

	assert.True(t, b.Regime(nil).Fallback())
	assert.Equal(t, ReasonRegimeUnavailable, b.Regime(trendBars(20, 100, 1)).Reason)

	up := b.Regime(trendBars(60, 100, 1))
	assert.InDelta(t, 85.0, up.Value, 1e-9)

	down := b.Regime(trendBars(60, 200, -1))
	assert.InDelta(t, 25.0, down.Value, 1e-9)
}

func TestFundamental(t *testing.T) {
	b := NewBuilder(DefaultConfig())

	s := b.Fundamental(nil)
	assert.True(t, s.Fallback())
	assert.Equal(t, ReasonFundamentalsUnavailable, s.Reason)
	assert.True(t, b.Fundamental(&market.Fundamentals{}).Fallback())

	s = b.Fundamental(&market.Fundamentals{
		PriceEarnings: market.Float(10),
		PriceBook:     market.Float(1.5),
		DebtEquity:    market.Float(0.3),
	})
	assert.False(t, s.Fallback())
	assert.InDelta(t, (70.0+65.0+80.0)/3, s.Value, 1e-9)
}

func TestNews(t *testing.T) {
	b := NewBuilder(DefaultConfig())

	s := b.News(nil, t0)
	assert.True(t, s.Fallback())
	assert.Equal(t, ReasonNoRecentNews, s.Reason)

	headlines := []market.Headline{
		{Title: "ASELS rekor kâr açıkladı", PublishedAt: t0.Add(-2 * time.Hour)},
		{Title: "provider scored", PublishedAt: t0.Add(-time.Hour), Sentiment: market.Float(-0.5)},
		{Title: "Eski haber: iflas", PublishedAt: t0.Add(-48 * time.Hour)},
	}
	s = b.News(headlines, t0)
	require.False(t, s.Fallback())
	assert.InDelta(t, 50+50*0.25, s.Value, 1e-9)

	old := b.News(headlines[2:], t0)
	assert.True(t, old.Fallback())
}

func TestLexiconSentiment(t *testing.T) {
	assert.Equal(t, 1.0, LexiconSentiment("Rekor temettü"))
	assert.Equal(t, -1.0, LexiconSentiment("Şirkete ceza ve SORUŞTURMA"))
	assert.Equal(t, 0.0, LexiconSentiment("Genel kurul toplandı"))
	assert.Equal(t, 0.0, LexiconSentiment("record loss"))
}

func TestBuildAndClamp(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	in := Inputs{Symbol: "FROTO", Now: t0, Bars: trendBars(60, 100, 1), IndexBars: trendBars(60, 100, 1)}
	s := b.Build(in)
	assert.Equal(t, "FROTO", s.Symbol)
	assert.Equal(t, t0, s.Timestamp)
	assert.False(t, s.Technical.Fallback())
	assert.True(t, s.Fundamental.Fallback())
	assert.True(t, s.News.Fallback())

	assert.Equal(t, 100.0, Clamp(140))
	assert.Equal(t, 0.0, Clamp(-3))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.RSIPeriod = 0
	assert.Error(t, bad.Validate())
}
