package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, 250000.0, cfg.Risk.Capital)
	assert.Equal(t, 250000.0, cfg.Decision.Sizing.Capital)
	assert.Equal(t, regime.Balanced, cfg.Regime.Named)
	assert.False(t, cfg.Regime.AutoRegime)
	assert.Equal(t, 180*time.Second, cfg.Runner.Interval)
	assert.Equal(t, time.Hour, cfg.Alerts.Cooldown)
	assert.False(t, cfg.Telegram.Enabled())
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, 5000, cfg.Database.LogRetention)

	require.Len(t, cfg.Watchlist, 4)
	assert.Equal(t, "FROTO", cfg.Watchlist[0].Code)
	assert.Equal(t, 25000.0, cfg.Watchlist[3].Budget)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"AL_THRESHOLD":             "70",
		"SAT_THRESHOLD":            "35",
		"WEIGHT_TECH":              "0.5",
		"WEIGHT_FUND":              "0.2",
		"WEIGHT_NEWS":              "0.1",
		"WEIGHT_REGIME":            "0.2",
		"PRESET":                   "defensive",
		"AUTO_REGIME":              "true",
		"ALERT_COOLDOWN_SEC":       "600",
		"DAILY_RISK_CAP_PERCENT":   "1.5",
		"MAX_ACTIVE_POSITIONS":     "3",
		"MAX_POSITIONS_PER_SECTOR": "1",
		"PARTIAL_TP1_RATIO":        "0.4",
		"TRAILING_STOP_PCT":        "2.5",
		"MIN_STOP_DISTANCE":        "1",
		"MAX_STOP_DISTANCE":        "15",
		"CHECK_INTERVAL_SEC":       "60",
		"TWELVEDATA_API_KEY":       "td-key",
		"TELEGRAM_TOKEN":           "123:abc",
		"TELEGRAM_CHAT_ID":         "-100200300",
		"PG_DSN":                   "postgres://bist@localhost/bist?sslmode=disable",
		"DECISION_LOG_RETENTION":   "20000",
		"REDIS_ADDR":               "localhost:6379",
		"HTTP_PORT":                "9090",
		"WEBHOOK_SECRET":           "s3cret",
	}))
	require.NoError(t, err)

	o := cfg.Regime.Overrides
	require.True(t, o.Any())
	assert.Equal(t, 70.0, *o.Buy)
	assert.Equal(t, 35.0, *o.Sell)
	assert.Equal(t, 0.5, *o.Technical)
	assert.Equal(t, 0.2, *o.Regime)
	assert.Equal(t, regime.Defensive, cfg.Regime.Named)
	assert.True(t, cfg.Regime.AutoRegime)

	assert.Equal(t, 10*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, 1.5, cfg.Risk.DailyRiskCapPercent)
	assert.Equal(t, 3, cfg.Risk.MaxActivePositions)
	assert.Equal(t, 1, cfg.Risk.MaxPerSector)
	assert.Equal(t, 0.4, cfg.Exits.PartialTP1Ratio)
	assert.Equal(t, 2.5, cfg.Exits.TrailingStopPct)
	assert.Equal(t, 1.0, cfg.Decision.Filter.MinDistance)
	assert.Equal(t, 15.0, cfg.Decision.Filter.MaxDistance)
	assert.Equal(t, time.Minute, cfg.Runner.Interval)

	assert.Equal(t, "td-key", cfg.TwelveData.APIKey)
	assert.True(t, cfg.Telegram.Enabled())
	assert.Equal(t, int64(-100200300), cfg.Telegram.ChatID)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, 20000, cfg.Database.LogRetention)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "s3cret", cfg.HTTP.WebhookSecret)
}

func TestEnvParseErrors(t *testing.T) {
	_, err := load("", env(map[string]string{
		"AL_THRESHOLD":     "high",
		"TELEGRAM_CHAT_ID": "chat",
		"PRESET":           "yolo",
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "AL_THRESHOLD")
	assert.Contains(t, err.Error(), "TELEGRAM_CHAT_ID")
	assert.Contains(t, err.Error(), "PRESET")
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]map[string]string{
		"weights do not sum to one": {"WEIGHT_TECH": "0.9"},
		"AL below SAT":              {"AL_THRESHOLD": "30", "SAT_THRESHOLD": "40"},
		"ratio out of range":        {"PARTIAL_TP1_RATIO": "1.5"},
		"non-positive limit":        {"MAX_ACTIVE_POSITIONS": "0"},
		"zero interval":             {"CHECK_INTERVAL_SEC": "0"},
		"bad port":                  {"HTTP_PORT": "70000"},
		"zero retention":            {"DECISION_LOG_RETENTION": "0"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load("", env(vars))
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "engine.yaml", `
capital: 100000
runner:
  interval: 5m
  index_symbol: XU030
alerts:
  cooldown: 30m
  band_pct: 1.5
database:
  log_retention: 800
regime:
  preset: AGGRESSIVE
watchlist:
  - code: THYAO
    sector: ulasim
    budget: 40000
  - code: EREGL
    sector: metal
    band_low: 45
    band_high: 55
`)
	cfg, err := load(path, env(map[string]string{"CHECK_INTERVAL_SEC": "120"}))
	require.NoError(t, err)

	assert.Equal(t, 100000.0, cfg.Risk.Capital)
	assert.Equal(t, 100000.0, cfg.Decision.Sizing.Capital)
	assert.Equal(t, 2*time.Minute, cfg.Runner.Interval, "environment wins over the file")
	assert.Equal(t, "XU030", cfg.Runner.IndexSymbol)
	assert.Equal(t, 30*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, regime.Aggressive, cfg.Regime.Named)
	require.Len(t, cfg.Watchlist, 2)
	assert.Equal(t, 55.0, cfg.Watchlist[1].BandHigh)
	assert.Equal(t, 260, cfg.Runner.BarDays, "unset fields keep defaults")
	assert.Equal(t, 800, cfg.Database.LogRetention)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)

	// the in-memory log applies the same retention
	repo := cfg.Database.MemoryRepository()
	for i := 0; i < 801; i++ {
		require.NoError(t, repo.Decisions.Append(context.Background(), persistence.DecisionRecord{ID: strconv.Itoa(i), Symbol: "THYAO"}))
	}
	recs, err := repo.Decisions.ListBySymbol(context.Background(), "THYAO", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 800)
	assert.Equal(t, "800", recs[0].ID)
}

func TestShippedConfigFitsWatchlistPrices(t *testing.T) {
	cfg, err := load(filepath.Join("..", "..", "config", "engine.yaml"), env(nil))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// 20-bar low 830 on a 900 TL name, 2% support buffer
	entry, stop := 900.0, 830*0.98
	assert.True(t, cfg.Decision.Filter.Allows(entry, stop))
	assert.False(t, Default().Decision.Filter.Allows(entry, stop), "built-in cap targets lower-priced names")
	assert.True(t, cfg.Decision.Filter.Allows(74.5, 63.455))
}

func TestLoadYAMLErrors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)

	_, err = load(writeFile(t, "bad.yaml", "capital: [1, 2"), env(nil))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = load(writeFile(t, "dup.yaml", "watchlist:\n  - code: FROTO\n  - code: FROTO\n"), env(nil))
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "duplicate")

	_, err = load(writeFile(t, "band.yaml", "watchlist:\n  - code: FROTO\n    band_low: 50\n    band_high: 40\n"), env(nil))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = load(writeFile(t, "empty.yaml", "watchlist: []\n"), env(nil))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadDotenv(t *testing.T) {
	envFile := writeFile(t, ".env", "TWELVEDATA_API_KEY=from-dotenv\nMAX_ACTIVE_POSITIONS=4\n")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	if _, set := os.LookupEnv("TWELVEDATA_API_KEY"); !set {
		assert.Equal(t, "from-dotenv", cfg.TwelveData.APIKey)
	}
	if _, set := os.LookupEnv("MAX_ACTIVE_POSITIONS"); !set {
		assert.Equal(t, 4, cfg.Risk.MaxActivePositions)
	}

	_, err = Load("", filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err, "an explicit env file must exist")
}

func TestSecretsAreNotMarshaled(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"TWELVEDATA_API_KEY": "td-key",
		"TELEGRAM_TOKEN":     "123:abc",
		"PG_DSN":             "postgres://user:pw@db/bist",
	}))
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "td-key")
	assert.NotContains(t, string(out), "123:abc")
	assert.NotContains(t, string(out), "user:pw")
	assert.Contains(t, string(out), "watchlist")

	secrets := cfg.Secrets()
	assert.True(t, secrets["TWELVEDATA_API_KEY"])
	assert.False(t, secrets["WEBHOOK_SECRET"])
}
