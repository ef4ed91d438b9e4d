package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"readstudy/pkg/config"
	"readstudy/pkg/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logCloser io.Closer

	rootCmd := &cobra.Command{
		Use:   "readstudy",
		Short: "CT read study platform",
		Long: `readstudy serves abdominal CT volumes to readers who judge each one as
real contrast-enhanced CT (CECT) or synthetic (sCECT), and exports their
verdicts as CSV.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init-config" || cmd.Name() == "help" {
				return nil
			}

			var err error
			cfg, err = config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, logCloser, err = logging.New(cmd.ErrOrStderr(), logging.Options{
				Level:      cfg.Logging.Level,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "readstudy.yaml", "config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newSampleCmd(),
		newExportCmd(),
		newRenderCmd(),
		newInfoCmd(),
		newInitConfigCmd(),
	)
	return rootCmd
}
