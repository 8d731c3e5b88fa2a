// Package config loads the engine configuration from YAML, .env files and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/application"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/infrastructure/db"
	"github.com/mtemizkann/borsa-telegram-bot/internal/infrastructure/twelvedata"
	httpapi "github.com/mtemizkann/borsa-telegram-bot/internal/interfaces/http"
	applog "github.com/mtemizkann/borsa-telegram-bot/internal/log"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// ErrInvalid is returned when the configuration cannot be used
var ErrInvalid = errors.New("invalid configuration")

// RedisConfig holds the cooldown store connection
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"` // memory store when empty
	Password string `yaml:"-" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"` // bist:alert:
}

// TelegramConfig holds chat delivery credentials
type TelegramConfig struct {
	Token   string        `yaml:"-" json:"-"`
	ChatID  int64         `yaml:"chat_id" json:"chat_id"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // 10s
	RPS     float64       `yaml:"rps" json:"rps"`         // 1
}

// Enabled reports whether both token and chat are set
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// Config is the complete engine configuration
type Config struct {
	Capital    float64                  `yaml:"capital" json:"capital"` // 250000, shared by sizing and risk
	Log        applog.Config            `yaml:"log" json:"log"`
	HTTP       httpapi.ServerConfig     `yaml:"http" json:"http"`
	Runner     application.RunnerConfig `yaml:"runner" json:"runner"`
	Factors    factors.Config           `yaml:"factors" json:"factors"`
	Decision   composite.Config         `yaml:"decision" json:"decision"`
	Exits      exits.ExitConfig         `yaml:"exits" json:"exits"`
	Risk       risk.Limits              `yaml:"risk" json:"risk"`
	Alerts     alerts.Config            `yaml:"alerts" json:"alerts"`
	Regime     regime.ResolverConfig    `yaml:"regime" json:"regime"`
	Presets    regime.Book              `yaml:"presets" json:"presets"`
	TwelveData twelvedata.Config        `yaml:"twelvedata" json:"twelvedata"`
	Database   db.Config                `yaml:"database" json:"database"`
	Redis      RedisConfig              `yaml:"redis" json:"redis"`
	Telegram   TelegramConfig           `yaml:"telegram" json:"telegram"`
	Watchlist  []market.Symbol          `yaml:"watchlist" json:"watchlist"`
}

// DefaultWatchlist returns the standard BIST symbols
func DefaultWatchlist() []market.Symbol {
	return []market.Symbol{
		{Code: "FROTO", Sector: "otomotiv", Budget: 50000},
		{Code: "TUPRS", Sector: "enerji", Budget: 50000},
		{Code: "ASELS", Sector: "savunma", Budget: 50000},
		{Code: "MGROS", Sector: "perakende", Budget: 25000},
	}
}

// Default returns the configuration used when no file is given
func Default() *Config {
	td := twelvedata.DefaultConfig()
	td.Exchange = "BIST"
	return &Config{
		Capital:    250000,
		Log:        applog.DefaultConfig(),
		HTTP:       httpapi.DefaultServerConfig(),
		Runner:     application.DefaultRunnerConfig(),
		Factors:    factors.DefaultConfig(),
		Decision:   composite.DefaultConfig(),
		Exits:      exits.DefaultExitConfig(),
		Risk:       risk.DefaultLimits(),
		Alerts:     alerts.DefaultConfig(),
		Regime:     regime.DefaultResolverConfig(),
		Presets:    regime.DefaultBook(),
		TwelveData: td,
		Database:   db.DefaultConfig(),
		Redis:      RedisConfig{Prefix: "bist:alert:"},
		Telegram:   TelegramConfig{Timeout: 10 * time.Second, RPS: 1},
		Watchlist:  DefaultWatchlist(),
	}
}

// LookupFunc reads one variable, like os.LookupEnv
type LookupFunc func(key string) (string, bool)

// Load reads path (optional), the given .env files (".env" when none) and the
// process environment, in increasing precedence, then validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	dotenv, err := readDotenv(envFiles)
	if err != nil {
		return nil, err
	}
	return load(path, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

func readDotenv(files []string) (map[string]string, error) {
	explicit := len(files) > 0
	if !explicit {
		files = []string{".env"}
	}
	out := make(map[string]string)
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}

func load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.share()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// share copies top-level settings into the sections that need them
func (c *Config) share() {
	c.Risk.Capital = c.Capital
	c.Decision.Sizing.Capital = c.Capital
	c.Factors.NewsLookback = c.Runner.NewsLookback
}

type envReader struct {
	lookup LookupFunc
	errs   []string
}

func (r *envReader) float(key string, apply func(float64)) {
	if raw, ok := r.lookup(key); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a number", key, raw))
			return
		}
		apply(v)
	}
}

func (r *envReader) int(key string, apply func(int)) {
	if raw, ok := r.lookup(key); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s=%q is not an integer", key, raw))
			return
		}
		apply(v)
	}
}

func (r *envReader) bool(key string, apply func(bool)) {
	if raw, ok := r.lookup(key); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a boolean", key, raw))
			return
		}
		apply(v)
	}
}

func (r *envReader) str(key string, apply func(string)) {
	if raw, ok := r.lookup(key); ok && strings.TrimSpace(raw) != "" {
		apply(strings.TrimSpace(raw))
	}
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func ptr(v float64) *float64 {
	return &v
}

// applyEnv layers environment overrides on top of the file values
func (c *Config) applyEnv(lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.float("AL_THRESHOLD", func(v float64) { c.Regime.Overrides.Buy = ptr(v) })
	r.float("SAT_THRESHOLD", func(v float64) { c.Regime.Overrides.Sell = ptr(v) })
	r.float("WEIGHT_TECH", func(v float64) { c.Regime.Overrides.Technical = ptr(v) })
	r.float("WEIGHT_FUND", func(v float64) { c.Regime.Overrides.Fundamental = ptr(v) })
	r.float("WEIGHT_NEWS", func(v float64) { c.Regime.Overrides.News = ptr(v) })
	r.float("WEIGHT_REGIME", func(v float64) { c.Regime.Overrides.Regime = ptr(v) })
	r.str("PRESET", func(v string) {
		p, err := regime.ParsePreset(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("PRESET: %v", err))
			return
		}
		c.Regime.Named = p
	})
	r.bool("AUTO_REGIME", func(v bool) { c.Regime.AutoRegime = v })

	r.int("ALERT_COOLDOWN_SEC", func(v int) { c.Alerts.Cooldown = seconds(v) })
	r.float("CAPITAL", func(v float64) { c.Capital = v })
	r.float("DAILY_RISK_CAP_PERCENT", func(v float64) { c.Risk.DailyRiskCapPercent = v })
	r.int("MAX_ACTIVE_POSITIONS", func(v int) { c.Risk.MaxActivePositions = v })
	r.int("MAX_POSITIONS_PER_SECTOR", func(v int) { c.Risk.MaxPerSector = v })
	r.float("PARTIAL_TP1_RATIO", func(v float64) { c.Exits.PartialTP1Ratio = v })
	r.float("TRAILING_STOP_PCT", func(v float64) { c.Exits.TrailingStopPct = v })
	r.float("MIN_STOP_DISTANCE", func(v float64) { c.Decision.Filter.MinDistance = v })
	r.float("MAX_STOP_DISTANCE", func(v float64) { c.Decision.Filter.MaxDistance = v })
	r.int("CHECK_INTERVAL_SEC", func(v int) { c.Runner.Interval = seconds(v) })

	r.str("TWELVEDATA_API_KEY", func(v string) { c.TwelveData.APIKey = v })
	r.str("TELEGRAM_TOKEN", func(v string) { c.Telegram.Token = v })
	r.str("TELEGRAM_CHAT_ID", func(v string) {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("TELEGRAM_CHAT_ID=%q is not an integer", v))
			return
		}
		c.Telegram.ChatID = id
	})
	r.str("PG_DSN", func(v string) { c.Database.DSN = v })
	r.int("DECISION_LOG_RETENTION", func(v int) { c.Database.LogRetention = v })
	r.str("REDIS_ADDR", func(v string) { c.Redis.Addr = v })
	r.str("REDIS_PASSWORD", func(v string) { c.Redis.Password = v })
	r.int("HTTP_PORT", func(v int) { c.HTTP.Port = v })
	r.str("WEBHOOK_SECRET", func(v string) { c.HTTP.WebhookSecret = v })
	r.str("LOG_LEVEL", func(v string) { c.Log.Level = v })

	if len(r.errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(r.errs, "; "))
	}
	return nil
}

// Validate checks every section and the effective preset
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"log", c.Log.Validate},
		{"http", c.HTTP.Validate},
		{"runner", c.Runner.Validate},
		{"factors", c.Factors.Validate},
		{"decision", c.Decision.Validate},
		{"exits", c.Exits.Validate},
		{"risk", c.Risk.Validate},
		{"alerts", c.Alerts.Validate},
		{"twelvedata", c.TwelveData.Validate},
		{"database", c.Database.Validate},
		{"regime", func() error {
			_, err := regime.NewResolver(c.Presets, c.Regime)
			return err
		}},
		{"watchlist", c.validateWatchlist},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, check.name, err)
		}
	}
	return nil
}

func (c *Config) validateWatchlist() error {
	if len(c.Watchlist) == 0 {
		return errors.New("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Watchlist))
	for i, s := range c.Watchlist {
		code := strings.TrimSpace(s.Code)
		if code == "" {
			return fmt.Errorf("entry %d has no code", i)
		}
		if seen[code] {
			return fmt.Errorf("duplicate symbol %s", code)
		}
		seen[code] = true
		if s.Budget < 0 {
			return fmt.Errorf("%s: budget must not be negative", code)
		}
		if (s.BandLow != 0 || s.BandHigh != 0) && (s.BandLow <= 0 || s.BandHigh <= s.BandLow) {
			return fmt.Errorf("%s: band must satisfy 0 < low < high, got %.2f/%.2f", code, s.BandLow, s.BandHigh)
		}
	}
	return nil
}

// Secrets reports which credentials are set, for display
func (c *Config) Secrets() map[string]bool {
	return map[string]bool{
		"TWELVEDATA_API_KEY": c.TwelveData.APIKey != "",
		"TELEGRAM_TOKEN":     c.Telegram.Token != "",
		"PG_DSN":             c.Database.DSN != "",
		"REDIS_PASSWORD":     c.Redis.Password != "",
		"WEBHOOK_SECRET":     c.HTTP.WebhookSecret != "",
	}
}

// Marshal renders the effective configuration without secrets
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
