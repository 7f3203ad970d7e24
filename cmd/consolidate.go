package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
)

const consolidateClaimLimit = 50

// consolidateCmd claims and drains both dirty queues once: every group
// chat or person marked dirty since the last run gets its capsule
// regenerated from recent episodes by a fast-role LLM summary, grounded
// on sessions.Store.Compact's own "summarizer callback over raw history"
// shape (spec.md §4.I "Dirty-claim queues").
func consolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Claim and drain both capsule dirty-queues once",
		Run: func(cmd *cobra.Command, args []string) {
			runConsolidate()
		},
	}
}

func runConsolidate() {
	ctx := context.Background()
	cfg := loadConfig()

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	groups, err := app.Memory.ClaimGroupDirty(ctx, consolidateClaimLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: claim group dirty: %s\n", err)
		os.Exit(1)
	}
	for _, g := range groups {
		consolidateGroup(ctx, app, message.ChatID(g.Key), g.ClaimedAtMs)
	}

	styles, err := app.Memory.ClaimStyleDirty(ctx, consolidateClaimLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: claim style dirty: %s\n", err)
		os.Exit(1)
	}
	for _, s := range styles {
		consolidatePerson(ctx, app, message.PersonID(s.Key), s.ClaimedAtMs)
	}

	fmt.Printf("consolidated %d group capsule(s), %d person capsule(s)\n", len(groups), len(styles))
}

func consolidateGroup(ctx context.Context, app *App, chatID message.ChatID, claimedAtMs int64) {
	episodes, err := app.Memory.RecentEpisodesByChat(ctx, chatID, 30)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: consolidate group %s: %s\n", chatID, err)
		return
	}
	var lines []string
	for _, e := range episodes {
		lines = append(lines, e.Content)
	}
	summary, err := summarizeCapsule(ctx, app.Backend, "group chat", strings.Join(lines, "\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: consolidate group %s: %s\n", chatID, err)
		return
	}
	if err := app.Memory.SetGroupCapsule(ctx, chatID, summary); err != nil {
		fmt.Fprintf(os.Stderr, "friend: save group capsule %s: %s\n", chatID, err)
		return
	}
	_ = app.Mirror.WriteGroup(string(chatID), summary, nil)
	_ = app.Memory.CompleteGroupDirty(ctx, string(chatID), claimedAtMs)
}

func consolidatePerson(ctx context.Context, app *App, personID message.PersonID, claimedAtMs int64) {
	p, err := app.Memory.GetPersonByID(ctx, personID)
	if err != nil || p == nil {
		fmt.Fprintf(os.Stderr, "friend: consolidate person %s: not found\n", personID)
		return
	}
	facts, err := app.Memory.ListFactsByPerson(ctx, personID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: consolidate person %s: %s\n", personID, err)
		return
	}
	var factLines []string
	for _, f := range facts {
		factLines = append(factLines, f.Subject+": "+f.Content)
	}
	summary, err := summarizeCapsule(ctx, app.Backend, "person", strings.Join(factLines, "\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: consolidate person %s: %s\n", personID, err)
		return
	}
	styleSummary, err := summarizeCapsule(ctx, app.Backend, "person's public voice (share-safe, no private facts)", strings.Join(factLines, "\n"))
	if err != nil {
		styleSummary = summary
	}
	if err := app.Memory.SetPersonCapsule(ctx, personID, summary); err != nil {
		fmt.Fprintf(os.Stderr, "friend: save person capsule %s: %s\n", personID, err)
		return
	}
	if err := app.Memory.SetPersonStyleCapsule(ctx, personID, styleSummary); err != nil {
		fmt.Fprintf(os.Stderr, "friend: save person style capsule %s: %s\n", personID, err)
		return
	}
	p.Capsule = summary
	p.PublicStyleCapsule = styleSummary
	_ = app.Mirror.WritePerson(p)
	_ = app.Memory.CompleteStyleDirty(ctx, string(personID), claimedAtMs)
}

func summarizeCapsule(ctx context.Context, backend providers.LLMBackend, subject, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	result, err := backend.Complete(ctx, providers.CompleteRequest{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Summarize this %s into a short natural-language capsule (2-4 sentences, no bullet points):\n%s", subject, raw),
		}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}
