package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
)

// trustCmd shows or overrides a tracked person's trust tier (spec.md §3).
func trustCmd() *cobra.Command {
	var personID, channel, channelUser, set string

	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Show or override a person's trust tier",
		Run: func(cmd *cobra.Command, args []string) {
			runTrust(personID, channel, channelUser, set)
		},
	}
	cmd.Flags().StringVar(&personID, "id", "", "person ID")
	cmd.Flags().StringVar(&channel, "channel", "", "channel (telegram, discord, signal, cli), used with --user")
	cmd.Flags().StringVar(&channelUser, "user", "", "channel user ID, used with --channel")
	cmd.Flags().StringVar(&set, "set", "", "override tier: new_contact, getting_to_know, close_friend, or \"clear\"")
	return cmd
}

func runTrust(personID, channel, channelUser, set string) {
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	p, err := resolvePerson(ctx, app, personID, channel, channelUser)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}

	if set != "" {
		tier := person.Tier(set)
		if set == "clear" {
			tier = ""
		}
		if err := app.Memory.SetTrustTierOverride(ctx, p.ID, tier); err != nil {
			fmt.Fprintf(os.Stderr, "friend: set trust tier: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("trust tier override for %s: %s\n", p.ID, set)
		return
	}

	tier := person.DeriveTrustTier(p, false, cfg.Trust())
	fmt.Printf("person:             %s\n", p.ID)
	fmt.Printf("display name:       %s\n", p.DisplayName)
	fmt.Printf("relationship score: %.2f\n", p.RelationshipScore)
	if p.TrustTierOverride != nil {
		fmt.Printf("override:           %s\n", *p.TrustTierOverride)
	}
	fmt.Printf("derived tier:       %s\n", tier)
}

func resolvePerson(ctx context.Context, app *App, personID, channel, channelUser string) (*person.Person, error) {
	switch {
	case personID != "":
		p, err := app.Memory.GetPersonByID(ctx, message.PersonID(personID))
		if err != nil {
			return nil, fmt.Errorf("look up person: %w", err)
		}
		if p == nil {
			return nil, fmt.Errorf("no person with id %q", personID)
		}
		return p, nil
	case channel != "" && channelUser != "":
		p, err := app.Memory.GetPersonByChannelUser(ctx, message.Channel(channel), channelUser)
		if err != nil {
			return nil, fmt.Errorf("look up person: %w", err)
		}
		if p == nil {
			return nil, fmt.Errorf("no person on channel %q with user id %q", channel, channelUser)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("pass --id, or both --channel and --user")
	}
}
