package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ptyhub/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// configPath is the global --config flag value.
var configPath string

var rootCmd = &cobra.Command{
	Use:           "ptyhub",
	Short:         "Terminal session server",
	Long:          "ptyhub runs commands under pseudo-terminals and streams them to remote viewers.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ptyhub/config.toml)")
	addServeFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, sessionsCmd, usersCmd)
}

// loadConfig loads the config file and environment, then applies flags that
// were set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
