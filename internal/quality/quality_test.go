package quality

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/friendcore/friend/internal/providers"
)

// scriptedJudgeBackend answers Complete (rewrites) with rewriteReply and
// CompleteObject (judge calls) with the queued verdicts in order, then
// repeats the last one.
type scriptedJudgeBackend struct {
	rewriteReply string
	verdicts     []JudgeVerdict
	judgeCalls   int
	rewriteCalls int
}

func (b *scriptedJudgeBackend) Complete(ctx context.Context, req providers.CompleteRequest) (*providers.CompleteResult, error) {
	b.rewriteCalls++
	return &providers.CompleteResult{Text: b.rewriteReply}, nil
}

func (b *scriptedJudgeBackend) CompleteObject(ctx context.Context, req providers.CompleteObjectRequest) (*providers.CompleteObjectResult, error) {
	idx := b.judgeCalls
	if idx >= len(b.verdicts) {
		idx = len(b.verdicts) - 1
	}
	b.judgeCalls++
	out, _ := json.Marshal(b.verdicts[idx])
	return &providers.CompleteObjectResult{Output: out}, nil
}

func (b *scriptedJudgeBackend) Embedder() providers.Embedder { return nil }
func (b *scriptedJudgeBackend) Name() string                 { return "scripted-judge" }

func TestGateOutgoingText_EmptyDraftFailsFast(t *testing.T) {
	res := GateOutgoingText(context.Background(), Request{Draft: "   ", MaxChars: 500})
	if res.Reason != FailEmpty {
		t.Errorf("Reason = %v, want FailEmpty", res.Reason)
	}
}

func TestGateOutgoingText_SentenceCapWithoutBackendFails(t *testing.T) {
	res := GateOutgoingText(context.Background(), Request{
		Draft:        "One. Two. Three.",
		MaxChars:     500,
		MaxSentences: 1,
	})
	if res.Reason != FailSentenceCap {
		t.Errorf("Reason = %v, want FailSentenceCap (no backend to rewrite)", res.Reason)
	}
}

func TestGateOutgoingText_PassesCleanDraftOnFirstJudge(t *testing.T) {
	backend := &scriptedJudgeBackend{
		verdicts: []JudgeVerdict{{Pass: true, Authenticity: 4, Naturalness: 4, Pressure: 1, VoiceMatch: 4}},
	}
	res := GateOutgoingText(context.Background(), Request{
		Draft:    "hey, how's your day going",
		MaxChars: 500,
		Backend:  backend,
	})
	if res.Reason != FailNone {
		t.Fatalf("Reason = %v, want FailNone", res.Reason)
	}
	if res.Text != "hey, how's your day going" {
		t.Errorf("Text = %q, unexpectedly rewritten", res.Text)
	}
	if res.AttemptedRewrite {
		t.Error("clean draft should not trigger a rewrite")
	}
}

func TestGateOutgoingText_SlopDraftRewritesThenPasses(t *testing.T) {
	slopText := "As an AI, I don't have personal feelings, but that's so cool, great question, I totally understand!!"
	backend := &scriptedJudgeBackend{
		rewriteReply: "sounds like a good day",
		verdicts:     []JudgeVerdict{{Pass: true, Authenticity: 4, Naturalness: 4, Pressure: 1, VoiceMatch: 4}},
	}
	res := GateOutgoingText(context.Background(), Request{
		Draft:    slopText,
		MaxChars: 500,
		Backend:  backend,
	})
	if res.Reason != FailNone {
		t.Fatalf("Reason = %v, want FailNone after rewrite, got %+v", res.Reason, res)
	}
	if res.Text != "sounds like a good day" {
		t.Errorf("Text = %q, want rewritten text", res.Text)
	}
	if !res.AttemptedRewrite {
		t.Error("slop draft should have triggered a rewrite")
	}
	if backend.rewriteCalls != 1 {
		t.Errorf("rewriteCalls = %d, want 1", backend.rewriteCalls)
	}
}

func TestGateOutgoingText_JudgeFailTriggersGuidedRewriteThenPasses(t *testing.T) {
	backend := &scriptedJudgeBackend{
		rewriteReply: "a more natural version",
		verdicts: []JudgeVerdict{
			{Pass: false, Notes: "too sycophantic"},
			{Pass: true, Authenticity: 4, Naturalness: 4, Pressure: 1, VoiceMatch: 4},
		},
	}
	res := GateOutgoingText(context.Background(), Request{
		Draft:    "you're absolutely right, what a wonderful idea",
		MaxChars: 500,
		Backend:  backend,
	})
	if res.Reason != FailNone {
		t.Fatalf("Reason = %v, want FailNone after guided rewrite, got %+v", res.Reason, res)
	}
	if res.Text != "a more natural version" {
		t.Errorf("Text = %q, want guided rewrite result", res.Text)
	}
	if !res.DroppedMedia {
		t.Error("a rewritten draft should drop any attached media")
	}
	if backend.judgeCalls != 2 {
		t.Errorf("judgeCalls = %d, want 2 (initial + post-rewrite)", backend.judgeCalls)
	}
}

func TestGateOutgoingText_JudgeFailsTwiceReturnsFailJudge(t *testing.T) {
	backend := &scriptedJudgeBackend{
		rewriteReply: "still not great",
		verdicts: []JudgeVerdict{
			{Pass: false, Notes: "too pushy"},
			{Pass: false, Notes: "still too pushy"},
		},
	}
	res := GateOutgoingText(context.Background(), Request{
		Draft:    "you really should do this right now",
		MaxChars: 500,
		Backend:  backend,
	})
	if res.Reason != FailJudge {
		t.Errorf("Reason = %v, want FailJudge after the one allotted rewrite fails the judge again", res.Reason)
	}
}

func TestGateOutgoingText_NoBackendFallsBackPastJudge(t *testing.T) {
	res := GateOutgoingText(context.Background(), Request{
		Draft:    "hey, all good here",
		MaxChars: 500,
	})
	if res.Reason != FailNone {
		t.Errorf("Reason = %v, want FailNone (judge failure is non-blocking)", res.Reason)
	}
	if res.Text != "hey, all good here" {
		t.Errorf("Text = %q, want passthrough text", res.Text)
	}
}

func TestDiscipline_CollapsesNewlinesForGroups(t *testing.T) {
	got := discipline("line one\nline two\r\nline three", 500, true)
	want := "line one line two line three"
	if got != want {
		t.Errorf("discipline() = %q, want %q", got, want)
	}
}

func TestDiscipline_KeepsNewlinesForDMs(t *testing.T) {
	got := discipline("line one\nline two", 500, false)
	if got != "line one\nline two" {
		t.Errorf("discipline() = %q, want newlines preserved for DMs", got)
	}
}

func TestCountSentences(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"no terminal punctuation", 1},
		{"One.", 1},
		{"One. Two? Three!", 3},
	}
	for _, tt := range tests {
		if got := countSentences(tt.text); got != tt.want {
			t.Errorf("countSentences(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
