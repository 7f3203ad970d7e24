package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/quality"
)

// evalCase is one row of the fixture file evalCmd consumes.
type evalCase struct {
	Draft       string `json:"draft"`
	ExpectPass  bool   `json:"expect_pass"`
	MaxChars    int    `json:"max_chars,omitempty"`
	IsGroup     bool   `json:"is_group,omitempty"`
}

// evalCmd runs the deterministic half of the quality gate (slop
// detection + length/sentence discipline, no LLM judge) over a fixture
// file of drafts and their expected pass/fail, exiting 1 on any
// mismatch (spec.md §6).
func evalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <fixture.json>",
		Short: "Run the slop detector and quality gate over a fixture file of drafts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runEval(args[0])
		},
	}
}

func runEval(fixturePath string) {
	data, err := os.ReadFile(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: read fixture: %s\n", err)
		os.Exit(1)
	}
	var cases []evalCase
	if err := json.Unmarshal(data, &cases); err != nil {
		fmt.Fprintf(os.Stderr, "friend: parse fixture: %s\n", err)
		os.Exit(1)
	}

	mismatches := 0
	for i, c := range cases {
		maxChars := c.MaxChars
		if maxChars <= 0 {
			maxChars = 1200
		}
		res := quality.GateOutgoingText(context.Background(), quality.Request{
			Draft: c.Draft, Kind: quality.KindText, MaxChars: maxChars, IsGroup: c.IsGroup,
		})
		got := res.Reason == quality.FailNone
		status := "ok"
		if got != c.ExpectPass {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("[%d] %s (want pass=%v, got pass=%v, reason=%q)\n", i, status, c.ExpectPass, got, res.Reason)
	}

	fmt.Printf("%d/%d cases as expected\n", len(cases)-mismatches, len(cases))
	if mismatches > 0 {
		os.Exit(1)
	}
}
