// Package cmd is the gateway's CLI surface, spf13/cobra (grounded on the
// teacher's cmd/root.go). Every subcommand loads internal/config.Config
// from the same --config flag so `friend doctor` and `friend start` see
// identical state.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/friendcore/friend/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "friend",
	Short: "friend — a single-agent companion-chat gateway",
	Long:  "friend runs one LLM-backed companion across Telegram, Discord, Signal and an operator CLI, holding per-person memory, a behavior gate, and a quality gate on every outgoing reply.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: friend.json5 or $FRIEND_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(consolidateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(forgetCmd())
	rootCmd.AddCommand(selfImproveCmd())
}

// Execute runs the root command; main calls this and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("FRIEND_CONFIG"); v != "" {
		return v
	}
	return "friend.json5"
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: load config: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("friend %s\n", Version)
		},
	}
}
