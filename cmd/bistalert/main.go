package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mtemizkann/borsa-telegram-bot/internal/config"
	applog "github.com/mtemizkann/borsa-telegram-bot/internal/log"
)

const (
	appName = "bistalert"
	version = "v1.4.0"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "BIST signal and risk decision engine",
		Version: version,
		Long: `bistalert scores a watchlist of Borsa Istanbul symbols, gates new positions
through daily risk limits, tracks open positions through their exits and alerts on
Telegram. The read-only query API serves decision logs, backtests and calibrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flags.configPath, flags.envFiles...)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				loaded.Log.Level = flags.logLevel
			}
			if _, err := applog.Setup(loaded.Log, appName); err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			cfg = loaded
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load (default .env when present)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug|info|warn|error)")

	current := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		newRunCmd(current),
		newBacktestCmd(current),
		newCalibrateCmd(current),
		newConfigCmd(current),
	)
	return rootCmd
}
