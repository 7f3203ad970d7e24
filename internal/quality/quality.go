// Package quality implements the bounded rewrite-then-re-evaluate
// draft gate described in spec.md §4.F.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/friendcore/friend/internal/providers"
	"github.com/friendcore/friend/internal/slop"
)

// Kind tags an outgoing draft's media/text shape; group messages get
// extra newline-flattening discipline.
type Kind string

const (
	KindText Kind = "text"
)

// Request bundles everything gateOutgoingText needs.
type Request struct {
	Draft                string
	Kind                 Kind
	MaxChars             int
	IsGroup              bool
	IdentityAntiPatterns []string
	MaxSentences         int // 0 = unbounded
	Backend              providers.LLMBackend

	// Media attached to the original draft; dropped if the gate ends up
	// rewriting the text (spec.md §4.F.6 — avoid caption/media mismatch).
	Media []interface{}
}

// FailReason enumerates the deterministic pre-gate's failure modes.
type FailReason string

const (
	FailNone         FailReason = ""
	FailEmpty        FailReason = "empty"
	FailSentenceCap  FailReason = "sentence_cap"
	FailSlop         FailReason = "slop"
	FailJudge        FailReason = "quality_gate_fail"
)

// JudgeVerdict is the fixed schema the LLM judge must return.
type JudgeVerdict struct {
	Pass         bool   `json:"pass"`
	Authenticity int    `json:"authenticity"`
	Naturalness  int    `json:"naturalness"`
	Pressure     int    `json:"pressure"` // inverted: high pressure is bad
	VoiceMatch   int    `json:"voiceMatch"`
	Notes        string `json:"notes"`
}

// Result is the outcome of the gate.
type Result struct {
	Text             string
	Verdict          *JudgeVerdict
	Reason           FailReason
	AttemptedRewrite bool
	DroppedMedia     bool
}

var judgeSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"pass":         map[string]interface{}{"type": "boolean"},
		"authenticity": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
		"naturalness":  map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
		"pressure":     map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
		"voiceMatch":   map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
		"notes":        map[string]interface{}{"type": "string"},
	},
	"required": []string{"pass", "authenticity", "naturalness", "pressure", "voiceMatch", "notes"},
}

// discipline clips to maxChars and, for group messages, collapses all
// newline runs to single spaces (spec.md §4.F.1).
func discipline(draft string, maxChars int, isGroup bool) string {
	text := draft
	if isGroup {
		text = collapseNewlines(text)
	}
	return slop.EnforceMaxLength(text, maxChars)
}

func collapseNewlines(s string) string {
	var b strings.Builder
	inRun := false
	for _, r := range s {
		if r == '\n' || r == '\r' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

func countSentences(s string) int {
	count := 0
	for _, r := range s {
		if r == '.' || r == '?' || r == '!' {
			count++
		}
	}
	if count == 0 && strings.TrimSpace(s) != "" {
		return 1
	}
	return count
}

// deterministicGate returns the first failing check, or FailNone.
func deterministicGate(text string, req Request) FailReason {
	if strings.TrimSpace(text) == "" {
		return FailEmpty
	}
	if req.MaxSentences > 0 && countSentences(text) > req.MaxSentences {
		return FailSentenceCap
	}
	if slop.CheckSlop(text, req.IdentityAntiPatterns).IsSlop {
		return FailSlop
	}
	return FailNone
}

// GateOutgoingText runs the full pipeline: discipline -> deterministic
// pre-gate -> (bounded rewrite) -> LLM judge -> (bounded rewrite) ->
// final verdict.
func GateOutgoingText(ctx context.Context, req Request) Result {
	text := discipline(req.Draft, req.MaxChars, req.IsGroup)

	reason := deterministicGate(text, req)
	attemptedRewrite := false

	if reason == FailSlop || reason == FailSentenceCap {
		rewritten, ok := rewriteOnce(ctx, req.Backend, text, string(reason), req)
		attemptedRewrite = true
		if ok {
			text = discipline(rewritten, req.MaxChars, req.IsGroup)
			reason = deterministicGate(text, req)
		}
	}

	if reason != FailNone {
		return Result{Reason: reason, AttemptedRewrite: attemptedRewrite}
	}

	verdict, err := judge(ctx, req.Backend, text)
	if err != nil {
		// Judge failure falls back to deterministic-only; do not hard-block.
		return Result{Text: text, AttemptedRewrite: attemptedRewrite, DroppedMedia: attemptedRewrite}
	}

	if verdict.Pass {
		return Result{Text: text, Verdict: verdict, AttemptedRewrite: attemptedRewrite, DroppedMedia: attemptedRewrite}
	}

	rewritten, ok := rewriteGuidedByNotes(ctx, req.Backend, text, verdict.Notes, req)
	attemptedRewrite = true
	if !ok {
		return Result{Reason: FailJudge, AttemptedRewrite: attemptedRewrite}
	}
	text = discipline(rewritten, req.MaxChars, req.IsGroup)
	if r := deterministicGate(text, req); r != FailNone {
		return Result{Reason: r, AttemptedRewrite: attemptedRewrite}
	}
	verdict2, err := judge(ctx, req.Backend, text)
	if err != nil {
		return Result{Text: text, AttemptedRewrite: attemptedRewrite, DroppedMedia: true}
	}
	if !verdict2.Pass {
		return Result{Reason: FailJudge, Verdict: verdict2, AttemptedRewrite: attemptedRewrite}
	}
	return Result{Text: text, Verdict: verdict2, AttemptedRewrite: attemptedRewrite, DroppedMedia: true}
}

func rewriteOnce(ctx context.Context, backend providers.LLMBackend, text, reason string, req Request) (string, bool) {
	if backend == nil {
		return "", false
	}
	prompt := fmt.Sprintf(
		"Rewrite this reply so it no longer fails the %q check. Keep it under %d characters%s. Original: %s",
		reason, req.MaxChars, sentenceCapClause(req.MaxSentences), text,
	)
	result, err := backend.Complete(ctx, providers.CompleteRequest{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil || strings.TrimSpace(result.Text) == "" {
		return "", false
	}
	return result.Text, true
}

func rewriteGuidedByNotes(ctx context.Context, backend providers.LLMBackend, text, notes string, req Request) (string, bool) {
	if backend == nil {
		return "", false
	}
	prompt := fmt.Sprintf(
		"Rewrite this reply addressing this feedback: %q. Keep it under %d characters%s. Original: %s",
		notes, req.MaxChars, sentenceCapClause(req.MaxSentences), text,
	)
	result, err := backend.Complete(ctx, providers.CompleteRequest{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil || strings.TrimSpace(result.Text) == "" {
		return "", false
	}
	return result.Text, true
}

func sentenceCapClause(maxSentences int) string {
	if maxSentences <= 0 {
		return ""
	}
	return fmt.Sprintf(" and at most %d sentences", maxSentences)
}

func judge(ctx context.Context, backend providers.LLMBackend, text string) (*JudgeVerdict, error) {
	if backend == nil {
		return nil, fmt.Errorf("quality: no backend configured")
	}
	result, err := backend.CompleteObject(ctx, providers.CompleteObjectRequest{
		Role:   providers.RoleFast,
		Schema: judgeSchema,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf("Evaluate this draft reply for authenticity, naturalness, sycophantic pressure and voice match: %s", text)},
		},
	})
	if err != nil {
		return nil, err
	}
	var v JudgeVerdict
	if err := json.Unmarshal(result.Output, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
