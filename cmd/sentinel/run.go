package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sentinel"
)

var runMetricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("metrics-addr") || cfg.Observability.MetricsAddr == "" {
			cfg.Observability.MetricsAddr = runMetricsAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		node, err := sentinel.NewNode(ctx, cfg)
		if err != nil {
			return err
		}
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", ":9090", "address for /health and /metrics (empty disables)")
	rootCmd.AddCommand(runCmd)
}
