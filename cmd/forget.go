package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/message"
)

// forgetCmd deletes a person and their facts (episodes are preserved,
// spec.md §3). Requires --yes or an interactive confirmation since this
// is irreversible.
func forgetCmd() *cobra.Command {
	var personID string
	var yes bool

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete a tracked person and their facts",
		Run: func(cmd *cobra.Command, args []string) {
			runForget(personID, yes)
		},
	}
	cmd.Flags().StringVar(&personID, "id", "", "person ID to forget (required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func runForget(personID string, yes bool) {
	if personID == "" {
		fmt.Fprintln(os.Stderr, "friend: --id is required")
		os.Exit(1)
	}
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	p, err := app.Memory.GetPersonByID(ctx, message.PersonID(personID))
	if err != nil || p == nil {
		fmt.Fprintf(os.Stderr, "friend: no person with id %q\n", personID)
		os.Exit(1)
	}

	if !yes {
		fmt.Printf("delete %s (%s)? this cannot be undone [y/N]: ", p.ID, p.DisplayName)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() || (scanner.Text() != "y" && scanner.Text() != "yes") {
			fmt.Println("aborted")
			return
		}
	}

	if err := app.Memory.DeletePerson(ctx, p.ID); err != nil {
		fmt.Fprintf(os.Stderr, "friend: delete person: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("forgot %s\n", p.ID)
}
