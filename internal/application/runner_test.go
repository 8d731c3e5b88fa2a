package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/metrics"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
)

type fixture struct {
	runner   *Runner
	adapter  *fakeAdapter
	notifier *mockNotifier
	repo     *persistence.Repository
	metrics  *metrics.Registry
	state    *State
	alerts   *alerts.Controller
}

func newFixture(t *testing.T, watchlist []market.Symbol, bars map[string][]market.Bar) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  newFakeAdapter(bars),
		notifier: &mockNotifier{},
		repo:     persistence.NewMemoryRepository(100),
		metrics:  metrics.NewRegistry(),
		state:    newState(t, risk.DefaultLimits()),
	}
	ctrl, err := alerts.NewController(alerts.DefaultConfig(), alerts.NewMemoryStore())
	require.NoError(t, err)
	f.alerts = ctrl

	r, err := NewRunner(DefaultRunnerConfig(), watchlist, Dependencies{
		Adapter:    f.adapter,
		Evaluator:  newEvaluator(t, trendResolver(t)),
		State:      f.state,
		Alerts:     ctrl,
		Notifier:   f.notifier,
		Repository: f.repo,
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	r.now = func() time.Time { return t0 }
	f.runner = r
	return f
}

func frotoFixture(t *testing.T) *fixture {
	bars := rising("FROTO", 50)
	return newFixture(t,
		[]market.Symbol{{Code: "FROTO", Provider: "FROTO.IS", Sector: "otomotiv"}},
		map[string][]market.Bar{"FROTO.IS": bars, "XU100": bars})
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(DefaultRunnerConfig(), nil, Dependencies{})
	assert.Error(t, err)

	cfg := DefaultRunnerConfig()
	cfg.Interval = 0
	_, err = NewRunner(cfg, []market.Symbol{{Code: "FROTO"}}, Dependencies{})
	assert.Error(t, err)

	_, err = NewRunner(DefaultRunnerConfig(), []market.Symbol{{Code: "FROTO"}}, Dependencies{})
	assert.Error(t, err, "adapter and engine are required")
}

func TestRunCycleOpensAndAlerts(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, kind(alerts.KindSignal)).Return(nil).Once()

	report, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.AlertsSent)
	assert.Equal(t, 1, report.Opened)
	assert.Equal(t, 0, report.Unavailable)
	f.notifier.AssertExpectations(t)
	assert.Equal(t, 1, f.adapter.barCalls("XU100"))
	assert.Equal(t, 1, f.adapter.barCalls("FROTO.IS"))

	recs, err := f.repo.Decisions.ListBySymbol(context.Background(), "FROTO", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "BUY", recs[0].Label)
	assert.Equal(t, AlertSent, recs[0].Alert)
	assert.True(t, recs[0].Actionable)
	assert.Equal(t, "fundamentals_unavailable,no_recent_news", recs[0].Fallbacks)

	open, err := f.repo.Positions.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "FROTO", open[0].Symbol)

	saved, ok, err := f.repo.Risk.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, saved.OpenPositions)

	st, ok := f.runner.Latest().Get("FROTO")
	require.True(t, ok)
	require.NotNil(t, st.Position)
	assert.Equal(t, 74.5, st.Price)
	assert.InDelta(t, 73.01, st.BandLow, 1e-6)
	assert.InDelta(t, 75.99, st.BandHigh, 1e-6)

	rec, ok, err := f.alerts.Record(context.Background(), "FROTO")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0, rec.LastAlertAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(metrics.AlertSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OpenPositions))
}

func TestRunCycleSecondPassIsSuppressed(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, kind(alerts.KindSignal)).Return(nil).Once()

	_, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = f.runner.RunCycle(context.Background())
	require.NoError(t, err)

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	recs, err := f.repo.Decisions.ListBySymbol(context.Background(), "FROTO", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// newest first
	assert.Equal(t, alerts.ReasonNotActionable, recs[0].Alert)
	assert.Equal(t, string(risk.ReasonAlreadyOpen), recs[0].RiskReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RiskDenials.WithLabelValues(string(risk.ReasonAlreadyOpen))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(metrics.AlertSuppressed)))
}

func TestRunCycleDeliveryFailureKeepsCooldownOpen(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(alerts.ErrDeliveryFailed)

	report, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.AlertsSent)

	recs, err := f.repo.Decisions.ListBySymbol(context.Background(), "FROTO", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, AlertFailed, recs[0].Alert)

	rec, _, err := f.alerts.Record(context.Background(), "FROTO")
	require.NoError(t, err)
	assert.True(t, rec.LastAlertAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(metrics.AlertFailed)))
}

func TestRunCycleUnavailableInputs(t *testing.T) {
	f := newFixture(t, []market.Symbol{{Code: "MGROS", Sector: "perakende"}}, nil)

	report, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Unavailable)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)

	recs, err := f.repo.Decisions.ListBySymbol(context.Background(), "MGROS", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "HOLD", recs[0].Label)
	assert.InDelta(t, 50.0, recs[0].Composite, 1e-9)
}

func TestRunCycleClosesPosition(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	_, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)

	// the next quote gaps below the stop; without the index the decision stays HOLD
	crash := rising("FROTO", 50)
	last := &crash[len(crash)-1]
	last.Close, last.Low = 60, 59.75
	f.adapter.mu.Lock()
	f.adapter.bars["FROTO.IS"] = crash
	delete(f.adapter.bars, "XU100")
	f.adapter.mu.Unlock()
	f.runner.now = func() time.Time { return t0.Add(time.Hour) }

	report, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Closed)

	outcomes, err := f.repo.Decisions.ListOutcomes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, exits.InitialStop.String(), outcomes[0].Reason)
	assert.Equal(t, 60.0, outcomes[0].Exit)
	assert.InDelta(t, -14.5*226, outcomes[0].PnL, 1e-6)

	open, err := f.repo.Positions.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExitTransitions.WithLabelValues(exits.Closed.String())))
	assert.InDelta(t, 14.5*226, testutil.ToFloat64(f.metrics.DailyRealizedLoss), 1e-6)
}

func TestRunCycleRecordsPartialExit(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	_, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)

	// the next quote clears the first target at 85.545
	jump := rising("FROTO", 50)
	last := &jump[len(jump)-1]
	last.Close, last.High = 86, 86.25
	f.adapter.mu.Lock()
	f.adapter.bars["FROTO.IS"] = jump
	delete(f.adapter.bars, "XU100")
	f.adapter.mu.Unlock()
	f.runner.now = func() time.Time { return t0.Add(time.Hour) }

	report, err := f.runner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Closed)

	q := NewQueryService(QueryDeps{Repository: f.repo, Risk: f.state.Risk})
	outcomes, err := q.OutcomeLog(context.Background(), "FROTO", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	// newest first
	assert.Equal(t, exits.Trailing.String(), outcomes[0].State)
	partial := outcomes[1]
	assert.Equal(t, exits.PartialTP1.String(), partial.State)
	assert.Equal(t, exits.Target1.String(), partial.Reason)
	assert.Equal(t, 86.0, partial.Exit)
	assert.Equal(t, 113, partial.Lot)
	assert.InDelta(t, 11.5*113, partial.PnL, 1e-6)
	assert.False(t, partial.Final())

	perf, err := q.Performance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, perf.Outcomes)
	assert.Equal(t, 2, perf.Partials)

	open, err := f.repo.Positions.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, exits.Trailing, open[0].State)
	assert.Equal(t, 113, open[0].Remaining)
}

func TestRunCycleCancelledKeepsCompletedEvaluations(t *testing.T) {
	watchlist := []market.Symbol{{Code: "AAA", Sector: "enerji"}, {Code: "BBB", Sector: "banka"}}
	f := newFixture(t, watchlist, map[string][]market.Bar{"AAA": rising("AAA", 50), "BBB": rising("BBB", 50)})
	f.runner.config.Concurrency = 1
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	// AAA was bought above the current price and is stopped out this cycle
	pos, err := exits.NewPosition("p-1", "d-1", "AAA", "enerji", 80, 76, 84, 88, 10, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Positions.Save(context.Background(), *pos))
	require.NoError(t, f.repo.Risk.Save(context.Background(), risk.State{
		TradingDay: "2025-03-10",
		Sectors:    map[string]string{"AAA": "enerji"},
	}))
	require.NoError(t, f.runner.Start(context.Background()))
	require.Equal(t, 1, f.state.Risk.Snapshot().OpenPositions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.adapter.onBars = func(symbol string) {
		if symbol == "BBB" {
			cancel()
		}
	}

	report, err := f.runner.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)

	open, err := f.repo.Positions.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	outcomes, err := f.repo.Decisions.ListOutcomes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "p-1", outcomes[0].PositionID)
	assert.Equal(t, exits.InitialStop.String(), outcomes[0].Reason)
	assert.InDelta(t, (74.5-80)*10, outcomes[0].PnL, 1e-6)

	recs, err := f.repo.Decisions.ListBySymbol(context.Background(), "AAA", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	recs, err = f.repo.Decisions.ListBySymbol(context.Background(), "BBB", 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "an evaluation cut short is not recorded")

	saved, ok, err := f.repo.Risk.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, saved.OpenPositions)
	assert.InDelta(t, 55.0, saved.DailyRealizedLoss, 1e-6)
}

func TestStartRestoresAndAnnounces(t *testing.T) {
	bars := rising("ASELS", 50)
	f := newFixture(t,
		[]market.Symbol{{Code: "ASELS", Sector: "savunma", BandLow: 654, BandHigh: 700}},
		map[string][]market.Bar{"ASELS": bars})

	pos, err := exits.NewPosition("p-1", "d-1", "TUPRS", "enerji", 150, 140, 160, 170, 10, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Positions.Save(context.Background(), *pos))
	require.NoError(t, f.repo.Risk.Save(context.Background(), risk.State{
		TradingDay:        "2025-03-10",
		DailyRealizedLoss: 1200,
		Sectors:           map[string]string{"TUPRS": "enerji"},
	}))

	f.notifier.On("Notify", mock.Anything, kind(alerts.KindStartup)).Return(nil).Once()
	require.NoError(t, f.runner.Start(context.Background()))
	require.NoError(t, f.runner.Start(context.Background()))
	f.notifier.AssertExpectations(t)

	snap := f.state.Risk.Snapshot()
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Equal(t, 1200.0, snap.DailyRealizedLoss)
	_, ok := f.state.Positions.Get("TUPRS")
	assert.True(t, ok)

	rec, ok, err := f.alerts.Record(context.Background(), "ASELS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 654.0, rec.BandLow)
	assert.Equal(t, 700.0, rec.BandHigh)
}

func TestStartupNotificationFailureIsNotFatal(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, kind(alerts.KindStartup)).Return(errors.New("chat unreachable"))

	require.NoError(t, f.runner.Start(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(metrics.AlertFailed)))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := frotoFixture(t)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
