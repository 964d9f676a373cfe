// Package cmd implements the CLI commands for hlsgate.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/observability"
	"github.com/hlsgate/hlsgate/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// cfg is the loaded configuration, populated before any command runs.
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hlsgate",
	Short:   "HLS reverse proxy",
	Version: version.Short(),
	Long: `hlsgate is a reverse proxy specialised for HLS streams.

It rewrites media playlists so that segments and AES-128 keys route back
through the proxy, forwards per-stream HTTP headers via h_* URL parameters,
resolves indirect landing pages to playable streams, and caches playlists,
segments, and keys in memory.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Assigned here rather than in the rootCmd literal to avoid an
	// initialization cycle (rootCmd -> initAll -> rootCmd).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initAll()
	}
	// These flags are NOT bound to viper. We check Changed() and only then
	// override the config/env values, preserving the priority
	// CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME, /etc/hlsgate)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initAll loads configuration and configures the default logger. It runs
// before every command so even `config dump` sees the resolved values.
func initAll() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logCfg := cfg.Logging
	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	logCfg.Level = strings.ToLower(logCfg.Level)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
