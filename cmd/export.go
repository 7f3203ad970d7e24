package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
)

// personExport is the JSON shape written by `friend export`: one record
// per tracked person plus their facts, enough to audit or re-import what
// the agent believes without a DB client.
type personExport struct {
	Person *person.Person `json:"person"`
	Facts  []*person.Fact `json:"facts"`
}

func exportCmd() *cobra.Command {
	var out string
	var onlyID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the memory store (people and facts) as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			runExport(out, onlyID)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&onlyID, "id", "", "export only this person ID")
	return cmd
}

func runExport(out, onlyID string) {
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	var people []*person.Person
	if onlyID != "" {
		p, err := app.Memory.GetPersonByID(ctx, message.PersonID(onlyID))
		if err != nil || p == nil {
			fmt.Fprintf(os.Stderr, "friend: no person with id %q\n", onlyID)
			os.Exit(1)
		}
		people = []*person.Person{p}
	} else {
		people, err = app.Memory.ListPeople(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "friend: list people: %s\n", err)
			os.Exit(1)
		}
	}

	records := make([]personExport, 0, len(people))
	for _, p := range people {
		facts, err := app.Memory.ListFactsByPerson(ctx, p.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "friend: list facts for %s: %s\n", p.ID, err)
			os.Exit(1)
		}
		records = append(records, personExport{Person: p, Facts: facts})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: marshal export: %s\n", err)
		os.Exit(1)
	}
	data = append(data, '\n')

	if out == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "friend: write %s: %s\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("exported %d people to %s\n", len(records), out)
}
