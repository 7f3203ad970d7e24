package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/providers"
)

const selfImproveScanLimit = 100

// selfImproveCmd scans recent silence episodes for recurring patterns,
// proposes one candidate lesson via the fast-role backend, and stores it
// only after an operator "y" (or when --yes is passed) — lessons are
// never auto-applied (spec.md §7 "Lessons require human review before
// they change live behavior").
func selfImproveCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "self-improve",
		Short: "Review recent silence episodes and propose lessons",
		Run: func(cmd *cobra.Command, args []string) {
			runSelfImprove(yes)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "accept every proposed lesson without prompting")
	return cmd
}

func runSelfImprove(yes bool) {
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	episodes, err := app.Memory.RecentEpisodesByPrefix(ctx, "silence:", selfImproveScanLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: scan silence episodes: %s\n", err)
		os.Exit(1)
	}
	if len(episodes) == 0 {
		fmt.Println("no silence episodes to review")
		return
	}

	var lines []string
	for _, e := range episodes {
		lines = append(lines, e.Content)
	}

	proposal, err := proposeLessons(ctx, app.Backend, lines)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: propose lessons: %s\n", err)
		os.Exit(1)
	}
	if proposal == "" {
		fmt.Println("no recurring pattern found")
		return
	}

	fmt.Println("proposed lesson:")
	fmt.Println(proposal)

	if !yes {
		fmt.Print("store this lesson? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() || (scanner.Text() != "y" && scanner.Text() != "yes") {
			fmt.Println("discarded")
			return
		}
	}

	l := &person.Lesson{
		Type:     person.LessonPattern,
		Category: "silence",
		Content:  proposal,
		Rule:     proposal,
	}
	if err := app.Memory.StoreLesson(ctx, l); err != nil {
		fmt.Fprintf(os.Stderr, "friend: store lesson: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("stored lesson %s\n", l.ID)
}

func proposeLessons(ctx context.Context, backend providers.LLMBackend, silenceReasons []string) (string, error) {
	joined := ""
	for _, l := range silenceReasons {
		joined += l + "\n"
	}
	result, err := backend.Complete(ctx, providers.CompleteRequest{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{
			Role: "user",
			Content: "These are recent reasons the agent chose to stay silent instead of replying:\n" + joined +
				"\nIf there is one clear recurring pattern worth turning into a standing behavioral rule, state it in one sentence. " +
				"If there is no clear pattern, reply with exactly: none",
		}},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Text)
	if strings.EqualFold(text, "none") {
		return "", nil
	}
	return text, nil
}
