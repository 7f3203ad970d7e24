package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/config"
)

// initCmd walks the operator through a first-run friend.json5, the one
// place in this gateway that earns the teacher's charmbracelet/huh
// dependency its keep: a provider/API-key prompt, a channel picker, and
// a DM/group acceptance policy per chosen channel (spec.md §6).
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively write a new friend.json5",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

func runInit() {
	cfg := config.Default()

	var channelChoices []string
	var dmPolicy, groupPolicy string
	var operatorID string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("DashScope", "dashscope"),
				).
				Value(&cfg.Provider.Kind),
			huh.NewInput().
				Title("Provider API key").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Provider.APIKey),
			huh.NewInput().
				Title("Default (smart) model").
				Value(&cfg.Provider.DefaultModel),
			huh.NewInput().
				Title("Fast model (capsule summaries, classification)").
				Value(&cfg.Provider.FastModel),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Signal", "signal"),
					huh.NewOption("Operator CLI", "cli"),
				).
				Value(&channelChoices),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("DM acceptance policy").
				Options(
					huh.NewOption("Open to anyone", "open"),
					huh.NewOption("Allowlist only", "allowlist"),
					huh.NewOption("Disabled", "disabled"),
				).
				Value(&dmPolicy),
			huh.NewSelect[string]().
				Title("Group acceptance policy").
				Options(
					huh.NewOption("Open to anyone", "open"),
					huh.NewOption("Allowlist only", "allowlist"),
					huh.NewOption("Disabled", "disabled"),
				).
				Value(&groupPolicy),
			huh.NewInput().
				Title("Your operator ID on the chosen channels (trusted sender)").
				Value(&operatorID),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "friend: init: %s\n", err)
		os.Exit(1)
	}

	policy := channels.Policy{
		DM:        channels.DMPolicy(dmPolicy),
		Group:     channels.GroupPolicy(groupPolicy),
		Operators: []string{operatorID},
	}

	cfg.Channels = config.ChannelsConfig{}
	for _, c := range channelChoices {
		switch c {
		case "telegram":
			cfg.Channels.Telegram = &config.TelegramConfig{RequireMention: true, Policy: policy}
		case "discord":
			cfg.Channels.Discord = &config.DiscordConfig{RequireMention: true, Policy: policy}
		case "signal":
			cfg.Channels.Signal = &config.SignalConfig{Policy: policy}
		case "cli":
			cfg.Channels.CLI = &config.CLIConfig{Enabled: true}
		}
	}

	path := resolveConfigPath()
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "friend: write config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}
