package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/alerts"
	"github.com/mtemizkann/borsa-telegram-bot/internal/application"
	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/config"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/infrastructure/db"
	"github.com/mtemizkann/borsa-telegram-bot/internal/infrastructure/twelvedata"
	httpapi "github.com/mtemizkann/borsa-telegram-bot/internal/interfaces/http"
	"github.com/mtemizkann/borsa-telegram-bot/internal/metrics"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/circuit"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/ratelimit"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// core holds the pure engine components shared by every command
type core struct {
	cfg      *config.Config
	adapter  *twelvedata.Client
	resolver *regime.Resolver
	risk     *risk.Engine
	metrics  *metrics.Registry
}

func newCore(cfg *config.Config) (*core, error) {
	adapter, err := twelvedata.NewClient(cfg.TwelveData)
	if err != nil {
		return nil, fmt.Errorf("failed to create market adapter: %w", err)
	}
	if cfg.TwelveData.APIKey == "" {
		log.Warn().Msg("TWELVEDATA_API_KEY missing, every symbol will evaluate without bars")
	}
	resolver, err := regime.NewResolver(cfg.Presets, cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("failed to create preset resolver: %w", err)
	}
	engine, err := risk.NewEngine(cfg.Risk, risk.Istanbul())
	if err != nil {
		return nil, fmt.Errorf("failed to create risk engine: %w", err)
	}
	return &core{
		cfg:      cfg,
		adapter:  adapter,
		resolver: resolver,
		risk:     engine,
		metrics:  metrics.NewRegistry(),
	}, nil
}

func (c *core) backtestConfig() backtest.Config {
	bc := backtest.DefaultConfig()
	bc.Factors = c.cfg.Factors
	bc.Decision = c.cfg.Decision
	bc.Exits = c.cfg.Exits
	bc.Risk = c.cfg.Risk
	return bc
}

// queryService builds the read-only query service over repo
func (c *core) queryService(repo *persistence.Repository, latest *application.LatestStore) *application.QueryService {
	return application.NewQueryService(application.QueryDeps{
		Repository: repo,
		Adapter:    c.adapter,
		Watchlist:  c.cfg.Watchlist,
		Resolver:   c.resolver,
		Named:      c.cfg.Regime.Named,
		Risk:       c.risk,
		Latest:     latest,
		Metrics:    c.metrics,
		Backtest:   c.backtestConfig(),
	})
}

// engine is the fully wired live process
type engine struct {
	*core
	db     *db.Manager
	redis  *redis.Client
	repo   *persistence.Repository
	runner *application.Runner
	query  *application.QueryService
	server *httpapi.Server
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	e := &engine{core: c}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if e.db, err = db.NewManager(ctx, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e.repo = e.db.Repository()
	if e.repo == nil {
		log.Warn().Msg("PG_DSN not set, decisions and positions are kept in memory")
		e.repo = cfg.Database.MemoryRepository()
	}

	store, err := e.alertStore(ctx)
	if err != nil {
		return nil, err
	}
	controller, err := alerts.NewController(cfg.Alerts, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert controller: %w", err)
	}
	notifier, err := newNotifier(cfg.Telegram)
	if err != nil {
		return nil, err
	}

	model, err := composite.NewModel(cfg.Decision)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision model: %w", err)
	}
	exitEval, err := exits.NewExitEvaluator(cfg.Exits)
	if err != nil {
		return nil, fmt.Errorf("failed to create exit evaluator: %w", err)
	}
	evaluator := application.NewEvaluator(factors.NewBuilder(cfg.Factors), c.resolver, model, exitEval)

	latest := application.NewLatestStore()
	e.runner, err = application.NewRunner(cfg.Runner, cfg.Watchlist, application.Dependencies{
		Adapter:    c.adapter,
		Evaluator:  evaluator,
		State:      &application.State{Risk: c.risk, Positions: exits.NewBook()},
		Alerts:     controller,
		Notifier:   notifier,
		Repository: e.repo,
		Metrics:    c.metrics,
		Latest:     latest,
	})
	if err != nil {
		return nil, err
	}
	e.query = c.queryService(e.repo, latest)

	deps := httpapi.HandlerDeps{
		Query:     e.query,
		Refresher: e.runner,
		Metrics:   c.metrics.Handler(),
		Version:   version,
	}
	if e.db.IsEnabled() {
		deps.DB = e.db.Health()
	}
	e.server = httpapi.NewServer(cfg.HTTP, httpapi.NewHandlers(deps))

	ok = true
	return e, nil
}

// alertStore returns the Redis store when an address is configured
func (e *engine) alertStore(ctx context.Context) (alerts.Store, error) {
	rc := e.cfg.Redis
	if rc.Addr == "" {
		log.Info().Msg("REDIS_ADDR not set, alert cooldowns are kept in memory")
		return alerts.NewMemoryStore(), nil
	}
	e.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	// records outlive the cooldown so band state survives restarts
	return alerts.NewRedisStore(e.redis, rc.Prefix, 7*24*time.Hour), nil
}

// newNotifier degrades to log-only delivery without Telegram credentials
func newNotifier(tc config.TelegramConfig) (alerts.Notifier, error) {
	if !tc.Enabled() {
		log.Warn().Msg("TELEGRAM_TOKEN or TELEGRAM_CHAT_ID missing, alerts are logged only")
		return alerts.LogNotifier{}, nil
	}
	tg, err := alerts.NewTelegramNotifier(tc.Token, tc.ChatID, tc.Timeout)
	if err != nil {
		return nil, err
	}
	breaker := circuit.NewBreaker(circuit.DefaultConfig("telegram"))
	return alerts.NewGuardedNotifier(tg, breaker, ratelimit.NewLimiter(tc.RPS, 1), "telegram"), nil
}

// Close releases database and Redis connections
func (e *engine) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
