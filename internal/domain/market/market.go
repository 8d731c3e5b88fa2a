// Package market holds the raw inputs the engine consumes from a data provider.
package market

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by adapters when a symbol's data cannot be fetched.
// Callers map it to neutral factor inputs; it never fails an evaluation.
var ErrUnavailable = errors.New("market data unavailable")

// Bar represents one OHLCV price bar
type Bar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Up reports whether the bar closed at or above its open.
func (b Bar) Up() bool {
	return b.Close >= b.Open
}

// Fundamentals holds valuation and balance sheet ratios. A nil pointer means
// the ratio was not reported.
type Fundamentals struct {
	PriceEarnings *float64 `json:"pe,omitempty"`
	PriceBook     *float64 `json:"pb,omitempty"`
	ROE           *float64 `json:"roe,omitempty"` // percent
	DebtEquity    *float64 `json:"de,omitempty"`
}

// Empty reports whether no ratio is available.
func (f *Fundamentals) Empty() bool {
	return f == nil || (f.PriceEarnings == nil && f.PriceBook == nil && f.ROE == nil && f.DebtEquity == nil)
}

// Headline is a single news item for a symbol
type Headline struct {
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   *float64  `json:"sentiment,omitempty"` // provider sentiment in [-1,1]
}

// Adapter fetches market inputs for a symbol
type Adapter interface {
	// Bars returns daily bars ordered oldest first.
	Bars(ctx context.Context, symbol string, days int) ([]Bar, error)
	Fundamentals(ctx context.Context, symbol string) (*Fundamentals, error)
	News(ctx context.Context, symbol string, lookback time.Duration) ([]Headline, error)
}

// Closes extracts closing prices from bars.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Float returns a pointer to v, for building Fundamentals literals.
func Float(v float64) *float64 {
	return &v
}

// Symbol is one watchlist entry
type Symbol struct {
	Code     string  `yaml:"code" json:"code"`         // exchange code, e.g. FROTO
	Provider string  `yaml:"provider" json:"provider"` // provider ticker; Code when empty
	Sector   string  `yaml:"sector" json:"sector"`
	Budget   float64 `yaml:"budget" json:"budget"`                       // TL, zero for no cap
	BandLow  float64 `yaml:"band_low,omitempty" json:"band_low,omitempty"` // fixed alert band, optional
	BandHigh float64 `yaml:"band_high,omitempty" json:"band_high,omitempty"`
}

// Ticker returns the symbol as known to the data provider
func (s Symbol) Ticker() string {
	if s.Provider != "" {
		return s.Provider
	}
	return s.Code
}
