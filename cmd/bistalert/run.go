package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mtemizkann/borsa-telegram-bot/internal/config"
)

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the evaluation loop and the query API",
		Long: `Evaluates the watchlist every check interval, delivers alerts and serves the
read-only HTTP API until interrupted. With --once a single cycle is run and the
report printed, without starting the HTTP server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, cfg(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single evaluation cycle and exit")
	return cmd
}

func runEngine(cmd *cobra.Command, cfg *config.Config, once bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	if once {
		report, err := e.runner.RunCycle(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "evaluated=%d alerts=%d opened=%d closed=%d unavailable=%d duration=%s\n",
			report.Evaluated, report.AlertsSent, report.Opened, report.Closed, report.Unavailable,
			report.Duration.Round(time.Millisecond))
		return nil
	}

	log.Info().
		Str("version", version).
		Int("symbols", len(cfg.Watchlist)).
		Dur("interval", cfg.Runner.Interval).
		Str("addr", e.server.Address()).
		Msg("Engine started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.server.Start()
	})
	g.Go(func() error {
		return e.runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Engine shutdown complete")
	return nil
}
