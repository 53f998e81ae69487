// Package cli provides the command-line interface for barwatch.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/barwatch/internal/app"
	"github.com/ahmethakanbesel/barwatch/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// env is the state shared by one command tree.
type env struct {
	configPath string
	verbose    bool

	cfg      config.Config
	closeLog func() error
	appOpts  []app.Option
}

// newRootCmd builds a fresh command tree. Extra app options are passed to
// every app a command opens.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	e := &env{appOpts: appOpts}

	root := &cobra.Command{
		Use:   "barwatch",
		Short: "Resistance event detection over FX candle data",
		Long: `Barwatch detects resistance events in OANDA candle data.

It runs historical batch jobs over instruments, timeframes and date windows,
and a live detector that polls the latest candles and pushes events to
WebSocket subscribers.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return e.load()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if e.closeLog != nil {
				if err := e.closeLog(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
				}
			}
		},
	}

	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "YAML config file (overrides "+config.FileEnv+")")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd(e))
	root.AddCommand(newJobsCmd(e))
	root.AddCommand(newVersionCmd())
	return root
}

func (e *env) load() error {
	if e.configPath != "" {
		if err := os.Setenv(config.FileEnv, e.configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg

	level := cfg.Level()
	if e.verbose {
		level = slog.LevelDebug
	}
	e.closeLog = config.SetupLogger(cfg.LogFile, level)
	return nil
}

// openApp builds the app for a one-shot command. The caller closes it.
func (e *env) openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, e.cfg, e.appOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return a, nil
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
