package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestCounters(t *testing.T) {
	r := NewRegistry()

	r.RecordDecision("BUY")
	r.RecordDecision("BUY")
	r.RecordDecision("HOLD")
	r.RecordDenial("daily_risk_cap")
	r.RecordAlert(AlertSent)
	r.RecordTransition("CLOSED")
	r.RecordBacktest(BacktestAborted)

	assert.Equal(t, 2.0, counterValue(t, r.Evaluations.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, counterValue(t, r.Evaluations.WithLabelValues("HOLD")))
	assert.Equal(t, 1.0, counterValue(t, r.RiskDenials.WithLabelValues("daily_risk_cap")))
	assert.Equal(t, 1.0, counterValue(t, r.Alerts.WithLabelValues(AlertSent)))
	assert.Equal(t, 1.0, counterValue(t, r.ExitTransitions.WithLabelValues("CLOSED")))
	assert.Equal(t, 1.0, counterValue(t, r.Backtests.WithLabelValues(BacktestAborted)))
}

func TestGaugesAndCycle(t *testing.T) {
	r := NewRegistry()
	r.SetRiskState(3, 1250.5)

	m := &dto.Metric{}
	require.NoError(t, r.OpenPositions.Write(m))
	assert.Equal(t, 3.0, m.GetGauge().GetValue())
	require.NoError(t, r.DailyRealizedLoss.Write(m))
	assert.Equal(t, 1250.5, m.GetGauge().GetValue())

	r.StartCycle().Stop()
	require.NoError(t, r.CycleDuration.Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestRegistriesAreIsolated(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RecordDecision("SELL")

	assert.Equal(t, 1.0, counterValue(t, a.Evaluations.WithLabelValues("SELL")))
	assert.Equal(t, 0.0, counterValue(t, b.Evaluations.WithLabelValues("SELL")))
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordAlert(AlertFailed)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `bist_alerts_total{result="failed"} 1`)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["bist_open_positions"])
	assert.True(t, names["bist_cycle_duration_seconds"])
}
