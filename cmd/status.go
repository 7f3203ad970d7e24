package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print rate limiter, circuit breaker, and tracked-people counts",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	people, err := app.Memory.ListPeople(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: list people: %s\n", err)
		os.Exit(1)
	}

	open, failures := app.Gen.Breaker().Status()
	breakerState := "closed"
	if open {
		breakerState = "OPEN"
	}

	fmt.Println("friend status")
	fmt.Printf("  Provider:        %s (%s)\n", cfg.Provider.Kind, cfg.Provider.DefaultModel)
	fmt.Printf("  Tracked chats:   %d\n", app.Limiter.TrackedChats())
	fmt.Printf("  Circuit breaker: %s (%d consecutive failures)\n", breakerState, failures)
	fmt.Printf("  People tracked:  %d\n", len(people))
}
