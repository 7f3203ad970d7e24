package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/config"
)

// doctorCmd checks config, data-store reachability and provider/channel
// credentials without starting the gateway. Grounded on the teacher's
// cmd/doctor.go section-by-section report, trimmed to this gateway's
// single-provider, single-agent shape.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("friend doctor")
	fmt.Printf("  OS:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:  %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config: %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults in use)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-12s %s\n", "Kind:", cfg.Provider.Kind)
	checkSecret("API key", cfg.Provider.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram != nil, cfg.Channels.Telegram != nil && cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord != nil, cfg.Channels.Discord != nil && cfg.Channels.Discord.Token != "")
	checkChannel("Signal", cfg.Channels.Signal != nil, cfg.Channels.Signal != nil && cfg.Channels.Signal.WSURL != "")
	checkChannel("CLI", cfg.Channels.CLI != nil && cfg.Channels.CLI.Enabled, true)

	fmt.Println()
	dataDir := config.ExpandHome(cfg.DataDir)
	fmt.Printf("  Data dir: %s", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND — will be created on `start`)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Data stores:")
	app, err := openApp(context.Background(), cfg)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Open:", err)
		os.Exit(1)
	}
	defer app.Close()
	fmt.Printf("    %-12s OK\n", "memory.db:")
	fmt.Printf("    %-12s OK\n", "sessions.db:")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(value) > 8 {
		masked = value[:4] + "..." + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkChannel(name string, configured, ready bool) {
	status := "not configured"
	switch {
	case configured && ready:
		status = "enabled"
	case configured:
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
