package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/internal/config"
	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("adjutant doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults in effect)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  State:    %s\n", cfg.StateDir)
	fmt.Printf("  Storage:  %s\n", cfg.Storage.Mode)
	if cfg.CronDisabled() {
		fmt.Println("  Cron:     DISABLED (kill switch)")
	} else {
		fmt.Println("  Cron:     enabled")
	}

	fmt.Println()
	fmt.Println("  Provider:")
	checkSecret("API key", cfg.Provider.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.BotToken != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.BotToken != "")

	fmt.Println()
	fmt.Printf("  Gateway:  %s", cfg.Gateway.Addr())
	if _, err := gatewayRPC(protocol.MethodHealth, nil); err != nil {
		fmt.Println(" (NOT RUNNING)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-10s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(masked) > 8 {
		masked = masked[:4] + strings.Repeat("*", len(masked)-8) + masked[len(masked)-4:]
	}
	fmt.Printf("    %-10s %s\n", name+":", masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled, MISSING CREDENTIALS"
	}
	fmt.Printf("    %-10s %s\n", name+":", status)
}
