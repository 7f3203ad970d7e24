package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/channels/cliadapter"
)

// chatCmd runs only the operator console against a fully wired App,
// without starting any external channel adapter — grounded on the
// teacher's standalone interactive chat loop (cmd/agent_chat_standalone.go).
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent directly over an operator REPL",
		Run: func(cmd *cobra.Command, args []string) {
			runChat()
		},
	}
}

func runChat() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ch := cliadapter.New(app.Engine, os.Stdin, os.Stdout)
	if err := ch.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
	_ = ch.Stop(context.Background())
}
