package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mtemizkann/borsa-telegram-bot/internal/application"
	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/config"
	"github.com/mtemizkann/borsa-telegram-bot/internal/tune"
)

// outputFlags select the rendering of query results
type outputFlags struct {
	json    bool
	timeout time.Duration
}

func (o *outputFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&o.json, "json", false, "Print the full result as JSON")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "Abort the replay after this long")
}

func offlineQuery(cfg *config.Config) (*application.QueryService, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	return c.queryService(cfg.Database.MemoryRepository(), nil), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBacktestCmd(cfg func() *config.Config) *cobra.Command {
	var (
		q   application.BacktestQuery
		out outputFlags
	)
	cmd := &cobra.Command{
		Use:   "backtest SYMBOL",
		Short: "Replay a symbol's daily history with one preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qs, err := offlineQuery(cfg())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), out.timeout)
			defer cancel()

			q.Symbol = strings.ToUpper(args[0])
			res, err := qs.Backtest(ctx, q)
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printBacktest(cmd.OutOrStdout(), res)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&q.Days, "days", application.DefaultDays, "Daily bars to replay")
	fs.Float64Var(&q.Capital, "capital", 0, "Starting equity (configured capital when zero)")
	fs.StringVar(&q.Preset, "preset", "", "Preset to replay (AGGRESSIVE|BALANCED|DEFENSIVE)")
	out.register(fs)
	return cmd
}

func printBacktest(w io.Writer, res *backtest.Result) {
	m := res.Metrics
	fmt.Fprintf(w, "%s %s  %d bars  %s → %s\n", res.Symbol, res.Preset, res.Bars,
		res.From.Format("2006-01-02"), res.To.Format("2006-01-02"))
	fmt.Fprintf(w, "signals: buy=%d sell=%d hold=%d downgraded=%d\n",
		res.Signals.Buy, res.Signals.Sell, res.Signals.Hold, res.Signals.Downgraded)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPENED\tCLOSED\tENTRY\tSTOP\tEXIT\tLOT\tPNL\tR\tREASON")
	for _, t := range res.Trades {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\t%d\t%.2f\t%.2f\t%s\n",
			t.OpenedAt.Format("2006-01-02"), t.ClosedAt.Format("2006-01-02"),
			t.Entry, t.Stop, t.Exit, t.Lot, t.PnL, t.R, t.Reason)
	}
	tw.Flush()

	fmt.Fprintf(w, "trades=%d win_rate=%.1f%% expectancy=%.2f (%.2fR) pnl=%.2f pf=%.2f max_dd=%.2f%% equity=%.2f\n",
		m.Trades, m.WinRate, m.Expectancy, m.ExpectancyR, m.TotalPnL, m.ProfitFactor, m.MaxDrawdown, m.EndingCapital)
}

func newCalibrateCmd(cfg func() *config.Config) *cobra.Command {
	var (
		q   application.CalibrateQuery
		out outputFlags
	)
	cmd := &cobra.Command{
		Use:   "calibrate SYMBOL",
		Short: "Compare every preset walk-forward and recommend one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qs, err := offlineQuery(cfg())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), out.timeout)
			defer cancel()

			q.Symbol = strings.ToUpper(args[0])
			res, err := qs.Calibrate(ctx, q)
			if err != nil {
				return err
			}
			if out.json {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printCalibration(cmd.OutOrStdout(), res)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&q.Days, "days", 500, "Daily bars to split into segments")
	fs.IntVar(&q.Train, "train", 120, "Bars per train segment")
	fs.IntVar(&q.Test, "test", 40, "Bars per test segment")
	fs.Float64Var(&q.Capital, "capital", 0, "Starting equity (configured capital when zero)")
	out.register(fs)
	return cmd
}

func printCalibration(w io.Writer, res *tune.Result) {
	fmt.Fprintf(w, "%s  %d segments of %d/%d bars\n", res.Symbol, len(res.Segments), res.TrainBars, res.TestBars)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRESET\tTRAIN EXP\tTEST EXP\tTEST TRADES\tMAX TEST DD")
	for _, s := range res.Scores {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%d\t%.2f%%\n",
			s.Name, s.TrainExpectancy, s.TestExpectancy, s.TestTrades, s.MaxTestDrawdown)
	}
	tw.Flush()

	fmt.Fprintf(w, "recommended=%s train_best=%s", res.Recommended, res.TrainBest)
	if res.Overfit {
		fmt.Fprint(w, " (train leader did not hold out of sample)")
	}
	fmt.Fprintln(w)
}

func newConfigCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints the merged file, .env and environment configuration. Secrets are reported as set or unset only.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			data, err := c.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			w := cmd.OutOrStdout()
			if _, err := w.Write(data); err != nil {
				return err
			}
			secrets := c.Secrets()
			fmt.Fprintln(w, "# secrets")
			for _, name := range []string{"TWELVEDATA_API_KEY", "TELEGRAM_TOKEN", "PG_DSN", "REDIS_PASSWORD", "WEBHOOK_SECRET"} {
				state := "unset"
				if secrets[name] {
					state = "set"
				}
				fmt.Fprintf(w, "# %s: %s\n", name, state)
			}
			return nil
		},
	}
}
