package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sentinel"
	"github.com/aixgo-dev/sentinel/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Monitoring agents over a RabbitMQ topic exchange",
	Long: `sentinel hosts one monitoring agent per process. Agents exchange typed
messages over a shared RabbitMQ topic exchange, persist their status in
Redis and expose health and Prometheus metrics over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("SENTINEL_CONFIG", "sentinel.yaml"),
		"config file (YAML, or TOML by .toml extension)")
	rootCmd.Version = sentinel.Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file is not an error when the
// path was not given explicitly: defaults and SENTINEL_* variables apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
		return nil, err
	}

	cfg = config.Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
