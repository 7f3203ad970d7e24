// Package behavior implements the deterministic + LLM-assisted pre-draft
// gate described in spec.md §4.D: the layered policy that decides,
// before any generation happens, whether a turn should even attempt a
// reply.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
)

// SleepWindow configures the local-time quiet hours. A window that spans
// midnight (e.g. 23:00 -> 07:00) is treated as wrap-around, per spec.md's
// boundary behaviors.
type SleepWindow struct {
	Enabled    bool
	StartLocal string // "HH:MM"
	EndLocal   string // "HH:MM"
	Timezone   string // IANA zone name; "" = time.Local
}

// Config bundles every tunable the gate consults.
type Config struct {
	Sleep           SleepWindow
	RandomSkipRate  float64
	HeatHalfLife    time.Duration // T½ for the engagement roll, default 5m
	IdentityAntiPatterns []string
}

func DefaultConfig() Config {
	return Config{
		HeatHalfLife:   5 * time.Minute,
		RandomSkipRate: 0.02,
	}
}

// Kind tags a Decision's variant.
type Kind string

const (
	KindSend    Kind = "send"
	KindReact   Kind = "react"
	KindSilence Kind = "silence"
)

type Decision struct {
	Kind   Kind
	Emoji  string
	Reason string
}

func Send() Decision                 { return Decision{Kind: KindSend} }
func Silence(reason string) Decision { return Decision{Kind: KindSilence, Reason: reason} }
func React(emoji, reason string) Decision {
	return Decision{Kind: KindReact, Emoji: emoji, Reason: reason}
}

// HistoryEntry is one prior message/reaction in the chat, used by the
// thread-lock, domination, velocity and engagement checks. Weight is 1.0
// for a normal message and 0.25 for a reaction, per spec.md §4.D.4.
type HistoryEntry struct {
	AuthorID    message.PersonID
	IsAssistant bool
	Weight      float64
	TimestampMs int64
}

// Input is everything the gate needs about the current turn and the
// surrounding conversation. Callers (the turn engine) are responsible for
// assembling RecentHistory/LongerHistoryParticipants from the session log
// and memory store.
type Input struct {
	Msg      message.IncomingMessage
	UserText string
	Now      time.Time

	GroupSize int

	// Last 20 user+assistant messages (oldest first) for domination;
	// the last-8 prefix of this slice (newest 8) is used for thread
	// lock; entries within the last 10s are used for velocity.
	RecentHistory []HistoryEntry

	// Distinct participants seen across the chat's longer history
	// (beyond the RecentHistory window) — used only by the thread-lock
	// exception test.
	LongerHistoryParticipantCount int

	// LastAssistantReplyAt is the timestamp of the most recent assistant
	// message/reaction in this chat, used for the engagement roll's
	// recency decay. Zero if the assistant has never spoken here.
	LastAssistantReplyAt time.Time
}

// ReactionJudge is the narrow LLM-assisted step used by the engagement
// roll (spec.md §4.D.7): given the draft context, ask the fast model to
// pick a single-grapheme reaction.
type ReactionJudge interface {
	JudgeReaction(ctx context.Context, backend providers.LLMBackend, in Input) (emoji, reason string, err error)
}

// DefaultReactionJudge calls LLMBackend.CompleteObject with a fixed
// schema, per spec.md §4.D.7.
type DefaultReactionJudge struct{}

var reactionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{"type": "string", "enum": []string{"react"}},
		"emoji":  map[string]interface{}{"type": "string"},
		"reason": map[string]interface{}{"type": "string"},
	},
	"required": []string{"action", "emoji", "reason"},
}

type reactionResponse struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji"`
	Reason string `json:"reason"`
}

func (DefaultReactionJudge) JudgeReaction(ctx context.Context, backend providers.LLMBackend, in Input) (string, string, error) {
	result, err := backend.CompleteObject(ctx, providers.CompleteObjectRequest{
		Role:   providers.RoleFast,
		Schema: reactionSchema,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf("Pick a single emoji reaction for this message: %q", in.UserText)},
		},
	})
	if err != nil {
		return "", "", err
	}
	var parsed reactionResponse
	if err := json.Unmarshal(result.Output, &parsed); err != nil {
		return "", "", err
	}
	if !isSingleGrapheme(parsed.Emoji) {
		return "", "", fmt.Errorf("behavior: reaction emoji %q is not a single grapheme", parsed.Emoji)
	}
	return parsed.Emoji, parsed.Reason, nil
}

// isSingleGrapheme uses go-runewidth's rune-width table to reject
// multi-codepoint reaction payloads: a real single emoji grapheme cluster
// renders with width 2 (or 1 for plain ASCII-range "reactions" like
// "+1"), while a sentence smuggled in as an "emoji" spans many runes.
func isSingleGrapheme(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	runeCount := 0
	for range s {
		runeCount++
	}
	// Allow up to 4 runes to account for ZWJ emoji sequences and
	// variation selectors; reject anything longer.
	if runeCount > 4 {
		return false
	}
	w := runewidth.StringWidth(s)
	return w > 0 && w <= 4
}

// Dice abstracts the random draws used by the engagement roll and the
// random-skip check so tests can inject deterministic sequences.
type Dice interface{ Float64() float64 }

type realDice struct{}

func (realDice) Float64() float64 { return rand.Float64() }

// Gate is the pre-draft decision engine.
type Gate struct {
	cfg   Config
	dice  Dice
	judge ReactionJudge
}

func NewGate(cfg Config, dice Dice, judge ReactionJudge) *Gate {
	if dice == nil {
		dice = realDice{}
	}
	if judge == nil {
		judge = DefaultReactionJudge{}
	}
	return &Gate{cfg: cfg, dice: dice, judge: judge}
}

// DecidePreDraft evaluates the layered gate in spec.md's exact order. The
// first non-send result short-circuits. Operator messages bypass sleep,
// domination, velocity, engagement roll, and random skip (steps 1,4,5,6,8).
func (g *Gate) DecidePreDraft(ctx context.Context, backend providers.LLMBackend, in Input) Decision {
	if !in.Msg.IsOperator {
		if d, silenced := g.checkSleep(in); silenced {
			return d
		}
	}

	if in.Msg.IsGroup && in.Msg.Mentioned == message.MentionedFalse {
		return Silence("not_mentioned")
	}

	if d, silenced := g.checkThreadLock(in); silenced {
		return d
	}

	if !in.Msg.IsOperator && in.Msg.IsGroup {
		if d, silenced := g.checkDomination(in); silenced {
			return d
		}
	}

	if !in.Msg.IsOperator && in.Msg.IsGroup {
		if d, silenced := g.checkVelocity(in); silenced {
			return d
		}
	}

	if !in.Msg.IsOperator && in.Msg.IsGroup && in.Msg.Mentioned != message.MentionedTrue {
		d := g.engagementRoll(ctx, backend, in)
		if d.Kind != KindSend {
			return d
		}
	}

	if !in.Msg.IsOperator && in.Msg.Mentioned != message.MentionedTrue {
		if g.dice.Float64() < g.cfg.RandomSkipRate {
			return Silence("random_skip")
		}
	}

	return Send()
}

func (g *Gate) checkSleep(in Input) (Decision, bool) {
	if !g.cfg.Sleep.Enabled {
		return Decision{}, false
	}
	loc := time.Local
	if g.cfg.Sleep.Timezone != "" {
		if l, err := time.LoadLocation(g.cfg.Sleep.Timezone); err == nil {
			loc = l
		}
	}
	now := in.Now.In(loc)
	start, okS := parseHHMM(g.cfg.Sleep.StartLocal)
	end, okE := parseHHMM(g.cfg.Sleep.EndLocal)
	if !okS || !okE {
		return Decision{}, false
	}
	nowMin := now.Hour()*60 + now.Minute()
	inWindow := false
	if start <= end {
		inWindow = nowMin >= start && nowMin <= end
	} else {
		// wrap-around interval, e.g. 23:00 -> 07:00
		inWindow = nowMin >= start || nowMin <= end
	}
	if inWindow {
		return Silence("sleep_mode"), true
	}
	return Decision{}, false
}

// InSleepWindow reports whether now falls in the configured quiet hours,
// independent of a full Input — the proactive handler needs this check
// without an incoming message to build one from (spec.md §4.K.3).
func (g *Gate) InSleepWindow(now time.Time) bool {
	d, silenced := g.checkSleep(Input{Now: now})
	return silenced && d.Reason == "sleep_mode"
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}

var questionMark = regexp.MustCompile(`\?`)

func (g *Gate) checkThreadLock(in Input) (Decision, bool) {
	last8 := lastN(in.RecentHistory, 8)
	if len(last8) < 8 {
		return Decision{}, false
	}
	participants := map[message.PersonID]bool{}
	hasAssistant := false
	for _, h := range last8 {
		if h.IsAssistant {
			hasAssistant = true
			continue
		}
		participants[h.AuthorID] = true
	}
	if len(participants) != 1 || !hasAssistant {
		return Decision{}, false
	}
	if in.LongerHistoryParticipantCount < 3 {
		return Decision{}, false
	}
	if in.Msg.Mentioned == message.MentionedTrue && questionMark.MatchString(in.UserText) {
		return Decision{}, false
	}
	return Silence("thread_lock"), true
}

func dominationThreshold(groupSize int) float64 {
	switch {
	case groupSize <= 4:
		return 0.30
	case groupSize <= 7:
		return 0.20
	default:
		return 0.15
	}
}

func computeOurShare(history []HistoryEntry) (ourShare float64, assistantWeight, totalWeight float64) {
	for _, h := range history {
		totalWeight += h.Weight
		if h.IsAssistant {
			assistantWeight += h.Weight
		}
	}
	if totalWeight == 0 {
		return 0, 0, 0
	}
	return assistantWeight / totalWeight, assistantWeight, totalWeight
}

func (g *Gate) checkDomination(in Input) (Decision, bool) {
	if in.GroupSize <= 1 {
		return Decision{}, false
	}
	last20 := lastN(in.RecentHistory, 20)
	ourShare, _, total := computeOurShare(last20)
	if total == 0 {
		return Decision{}, false
	}
	if ourShare > dominationThreshold(in.GroupSize) {
		return Silence("domination_check"), true
	}
	return Decision{}, false
}

func (g *Gate) checkVelocity(in Input) (Decision, bool) {
	cutoff := in.Now.Add(-10 * time.Second).UnixMilli()
	authors := map[message.PersonID]bool{}
	for _, h := range in.RecentHistory {
		if h.IsAssistant || h.TimestampMs < cutoff {
			continue
		}
		authors[h.AuthorID] = true
	}
	if len(authors) >= 3 {
		return Silence("velocity_skip"), true
	}
	return Decision{}, false
}

type messageClass string

const (
	classMentionedQuestion messageClass = "mentioned_question"
	classMentionedCasual   messageClass = "mentioned_casual"
	classHasLink           messageClass = "has_link"
	classGeneral           messageClass = "general"
)

var linkPattern = regexp.MustCompile(`https?://`)

func classify(in Input) messageClass {
	if in.Msg.Mentioned == message.MentionedTrue {
		if questionMark.MatchString(in.UserText) {
			return classMentionedQuestion
		}
		return classMentionedCasual
	}
	if linkPattern.MatchString(in.UserText) {
		return classHasLink
	}
	return classGeneral
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// engagementRoll implements spec.md §4.D.6. mentioned_question /
// mentioned_casual are not given an explicit interpolation formula in the
// spec (only has_link/general are) — this is documented in DESIGN.md as
// an Open Question resolution: those two classes use flat probabilities.
// classify assigns them only when Mentioned is true, and DecidePreDraft
// skips the roll for such messages, so the flat rates apply only when
// engagementRoll is called directly.
func (g *Gate) engagementRoll(ctx context.Context, backend providers.LLMBackend, in Input) Decision {
	threshold := dominationThreshold(in.GroupSize)
	last20 := lastN(in.RecentHistory, 20)
	ourShare, _, _ := computeOurShare(last20)

	halfLife := g.cfg.HeatHalfLife
	if halfLife <= 0 {
		halfLife = 5 * time.Minute
	}
	dt := time.Duration(0)
	if !in.LastAssistantReplyAt.IsZero() {
		dt = in.Now.Sub(in.LastAssistantReplyAt)
		if dt < 0 {
			dt = 0
		}
	}
	heat := clamp01(ourShare/threshold) * math.Exp(-float64(dt)/float64(halfLife))

	var pSend, pReact float64
	switch classify(in) {
	case classMentionedQuestion:
		pSend, pReact = 0.5, 0.2
	case classMentionedCasual:
		pSend, pReact = 0.25, 0.15
	case classHasLink:
		pSend = lerp(0.08, 0.04, heat)
		pReact = lerp(0.20, 0.12, heat)
	default: // classGeneral
		pSend = lerp(0.08, 0.03, heat)
		pReact = lerp(0.12, 0.08, heat)
	}

	if in.GroupSize > 0 {
		target := 1.0 / float64(in.GroupSize)
		participationRate := ourShare
		if participationRate > target && participationRate > 0 {
			pSend *= target / participationRate
		}
	}

	r := g.dice.Float64()
	switch {
	case r < pSend:
		return Send()
	case r < pSend+pReact:
		emoji, reason, err := g.judge.JudgeReaction(ctx, backend, in)
		if err != nil || emoji == "" {
			return Silence("react_parse_fail")
		}
		return React(emoji, reason)
	default:
		return Silence("engagement_silence")
	}
}

// lerp interpolates from cold (heat=0) to hot (heat=1).
func lerp(cold, hot, heat float64) float64 {
	return cold + (hot-cold)*clamp01(heat)
}

func lastN(history []HistoryEntry, n int) []HistoryEntry {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
