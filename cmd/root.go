// Package cmd holds the adjutant CLI: the gateway daemon plus management
// commands that talk to it over the WebSocket protocol.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "adjutant",
		Short:   "Personal AI-assistant gateway with a scheduling engine",
		Version: Version,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.adjutant/config.json5)")

	cmd.AddCommand(gatewayCmd())
	cmd.AddCommand(cronCmd())
	cmd.AddCommand(eventCmd())
	cmd.AddCommand(wakeCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(doctorCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath honours --config, falling back to the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
