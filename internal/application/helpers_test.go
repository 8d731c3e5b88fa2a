package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// 13:00 in Istanbul
var t0 = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

// rising returns n daily bars closing at 50, 50.5, ...
func rising(symbol string, n int) []market.Bar {
	start := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		c := 50 + 0.5*float64(i)
		bars[i] = market.Bar{
			Symbol: symbol,
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

func float(v float64) *float64 { return &v }

// trendResolver lowers the AL threshold so the rising series (composite 59) buys
func trendResolver(t *testing.T) *regime.Resolver {
	t.Helper()
	cfg := regime.DefaultResolverConfig()
	cfg.Overrides = regime.Overrides{Buy: float(58), Sell: float(20)}
	r, err := regime.NewResolver(regime.DefaultBook(), cfg)
	require.NoError(t, err)
	return r
}

// trendBook is the default book with BALANCED buying the rising series
func trendBook() regime.Book {
	book := regime.DefaultBook()
	bal := book[regime.Balanced]
	bal.Thresholds = composite.Thresholds{Buy: 58, Sell: 20}
	book[regime.Balanced] = bal
	return book
}

func newEvaluator(t *testing.T, resolver *regime.Resolver) *Evaluator {
	t.Helper()
	model, err := composite.NewModel(composite.DefaultConfig())
	require.NoError(t, err)
	ee, err := exits.NewExitEvaluator(exits.DefaultExitConfig())
	require.NoError(t, err)
	e := NewEvaluator(factors.NewBuilder(factors.DefaultConfig()), resolver, model, ee)
	var seq int64
	e.newID = func() string {
		return fmt.Sprintf("pos-%d", atomic.AddInt64(&seq, 1))
	}
	return e
}

func newState(t *testing.T, limits risk.Limits) *State {
	t.Helper()
	engine, err := risk.NewEngine(limits, risk.Istanbul())
	require.NoError(t, err)
	return &State{Risk: engine, Positions: exits.NewBook()}
}

// fakeAdapter serves fixed bars; unknown tickers are unavailable
type fakeAdapter struct {
	mu     sync.Mutex
	bars   map[string][]market.Bar
	err    error
	calls  map[string]int
	onBars func(symbol string) // runs before each bars request
}

func newFakeAdapter(bars map[string][]market.Bar) *fakeAdapter {
	return &fakeAdapter{bars: bars, calls: make(map[string]int)}
}

func (f *fakeAdapter) Bars(_ context.Context, symbol string, _ int) ([]market.Bar, error) {
	if f.onBars != nil {
		f.onBars(symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bars[symbol]
	if !ok {
		return nil, market.ErrUnavailable
	}
	return b, nil
}

func (f *fakeAdapter) Fundamentals(context.Context, string) (*market.Fundamentals, error) {
	return nil, market.ErrUnavailable
}

func (f *fakeAdapter) News(context.Context, string, time.Duration) ([]market.Headline, error) {
	return nil, nil
}

func (f *fakeAdapter) barCalls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, a alerts.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func kind(k alerts.Kind) interface{} {
	return mock.MatchedBy(func(a alerts.Alert) bool { return a.Kind == k })
}
