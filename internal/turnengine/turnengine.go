// Package turnengine orchestrates one inbound message end to end (spec.md
// §4.J): dedupe, platform-artifact filtering, accumulation, the per-chat
// lock, the behavior gate, generation, the quality gate, the human-like
// delay, and the staleness-checked commit. Grounded on the teacher's
// top-level request-handling shape in internal/agent/loop.go, generalized
// from an open-ended coding loop to the bounded reply flow below.
package turnengine

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/friendcore/friend/internal/accumulator"
	"github.com/friendcore/friend/internal/behavior"
	"github.com/friendcore/friend/internal/chatlock"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/generation"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/providers"
	"github.com/friendcore/friend/internal/quality"
)

// Extractor runs fact extraction over a committed turn in the background.
// A real implementation calls back into the LLM; nil disables extraction.
type Extractor interface {
	ExtractFacts(ctx context.Context, personID message.PersonID, userText, assistantText string) ([]person.Fact, error)
}

// MemoryStore is the narrow slice of internal/memory the engine needs.
type MemoryStore interface {
	TrackPerson(ctx context.Context, p *person.Person) error
	GetPersonByChannelUser(ctx context.Context, channel message.Channel, channelUserID string) (*person.Person, error)
	LogEpisode(ctx context.Context, e *person.Episode) error
	StoreFact(ctx context.Context, f *person.Fact) error
}

// SessionStore is the narrow slice of internal/sessions the engine needs.
type SessionStore interface {
	AppendMessage(ctx context.Context, chatID message.ChatID, role, content string, sourceMessageID message.MessageID, authorDisplay string, timestampMs int64) error
	History(ctx context.Context, chatID message.ChatID, limit int) ([]ctxbuild.SessionMessage, error)
}

// Config bounds engine-internal map sizes and delay shape (spec.md §4.J).
type Config struct {
	MaxTrackedSeq       int
	DedupeTTL           time.Duration
	MaxTrackedDedupe    int
	VelocityWindow      time.Duration
	VelocityThreshold   int
	HumanDelayMinMs     int
	HumanDelayMaxMs     int
	MsPerChar           float64
	InjectionSuppressOnHighSeverity bool
}

func DefaultConfig() Config {
	return Config{
		MaxTrackedSeq:     10000,
		DedupeTTL:         10 * time.Minute,
		MaxTrackedDedupe:  10000,
		VelocityWindow:    10 * time.Second,
		VelocityThreshold: 5,
		HumanDelayMinMs:   800,
		HumanDelayMaxMs:   6000,
		MsPerChar:         35,
		InjectionSuppressOnHighSeverity: true,
	}
}

// platformArtifactPatterns filters channel-noise messages that should
// never reach the behavior gate (spec.md §4.J.4).
var platformArtifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^<media:unknown>$`),
	regexp.MustCompile(`(?i)^\[read receipt\]`),
	regexp.MustCompile(`(?i)^\[typing\]`),
	regexp.MustCompile(`(?i)^\[profile (photo|name) updated\]`),
	regexp.MustCompile(`(?i)^\[story (posted|reply)\]`),
	regexp.MustCompile(`(?i)^\[contact card\]`),
}

// injectionPatterns is a conservative, high-precision subset of
// prompt-injection markers; a match suppresses tool access for the turn
// unless the author is the operator (spec.md §4.J.11).
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all|previous|prior) instructions`),
	regexp.MustCompile(`(?i)you are now (in )?developer mode`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)disregard (your|all) (rules|guidelines)`),
}

func isPlatformArtifact(text string) bool {
	for _, p := range platformArtifactPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func hasHighSeverityInjection(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Engine holds the per-ChatId state described in spec.md §4.J plus the
// collaborators it orchestrates.
type Engine struct {
	cfg Config

	locker      *chatlock.Locker
	accumulator *accumulator.Accumulator
	gate        *behavior.Gate
	gateBackend providers.LLMBackend
	builder     *ctxbuild.Builder
	genEngine   *generation.Engine
	memory      MemoryStore
	sessions    SessionStore
	extractor   Extractor

	mu           sync.Mutex
	responseSeq  map[message.ChatID]int
	seqOrder     []message.ChatID // FIFO eviction order for responseSeq
	seenIncoming map[string]int64 // "chatID|messageID" -> expiryMs
	seenOrder    []string
	knownChats   map[message.ChatID]bool
}

func NewEngine(
	cfg Config,
	locker *chatlock.Locker,
	acc *accumulator.Accumulator,
	gate *behavior.Gate,
	gateBackend providers.LLMBackend,
	builder *ctxbuild.Builder,
	genEngine *generation.Engine,
	memory MemoryStore,
	sessions SessionStore,
	extractor Extractor,
) *Engine {
	return &Engine{
		cfg:          cfg,
		locker:       locker,
		accumulator:  acc,
		gate:         gate,
		gateBackend:  gateBackend,
		builder:      builder,
		genEngine:    genEngine,
		memory:       memory,
		sessions:     sessions,
		extractor:    extractor,
		responseSeq:  make(map[message.ChatID]int),
		seenIncoming: make(map[string]int64),
		knownChats:   make(map[message.ChatID]bool),
	}
}

func (e *Engine) nowMs() int64 { return time.Now().UnixMilli() }

// nextSeq increments responseSeq[chatID], evicting the oldest tracked
// chat if the map is at capacity (spec.md §4.J: "caps at 10000 keys with
// FIFO eviction").
func (e *Engine) nextSeq(chatID message.ChatID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.responseSeq[chatID]; !ok {
		if len(e.responseSeq) >= e.cfg.MaxTrackedSeq && len(e.seqOrder) > 0 {
			oldest := e.seqOrder[0]
			e.seqOrder = e.seqOrder[1:]
			delete(e.responseSeq, oldest)
		}
		e.seqOrder = append(e.seqOrder, chatID)
	}
	e.responseSeq[chatID]++
	e.knownChats[chatID] = true
	return e.responseSeq[chatID]
}

func (e *Engine) isStale(chatID message.ChatID, seq int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseSeq[chatID] != seq
}

// markSeen records (chatID,messageID) in the dedupe window and reports
// whether it was already live.
func (e *Engine) markSeen(chatID message.ChatID, msgID message.MessageID) (alreadySeen bool) {
	key := string(chatID) + "|" + string(msgID)
	now := e.nowMs()

	e.mu.Lock()
	defer e.mu.Unlock()

	if expiry, ok := e.seenIncoming[key]; ok && expiry > now {
		return true
	}

	if len(e.seenIncoming) >= e.cfg.MaxTrackedDedupe {
		e.gcSeenLocked(now)
	}
	e.seenIncoming[key] = now + e.cfg.DedupeTTL.Milliseconds()
	e.seenOrder = append(e.seenOrder, key)
	return false
}

func (e *Engine) gcSeenLocked(now int64) {
	kept := e.seenOrder[:0]
	for _, k := range e.seenOrder {
		if expiry, ok := e.seenIncoming[k]; ok && expiry > now {
			kept = append(kept, k)
		} else {
			delete(e.seenIncoming, k)
		}
	}
	e.seenOrder = kept
	for len(e.seenIncoming) >= e.cfg.MaxTrackedDedupe {
		if len(e.seenOrder) == 0 {
			break
		}
		delete(e.seenIncoming, e.seenOrder[0])
		e.seenOrder = e.seenOrder[1:]
	}
}

func (e *Engine) KnownChats() []message.ChatID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]message.ChatID, 0, len(e.knownChats))
	for c := range e.knownChats {
		out = append(out, c)
	}
	return out
}

// draftResult is what the locked draft phase hands back to the outer
// HandleIncomingMessage flow, before the human-like delay and the
// staleness-checked commit.
type draftResult struct {
	action    message.OutgoingAction
	seq       int
	authorID  message.PersonID
	userText  string
	chatID    message.ChatID
	isGroup   bool
}

// HandleIncomingMessage runs the full flow in spec.md §4.J.
func (e *Engine) HandleIncomingMessage(ctx context.Context, msg message.IncomingMessage) message.OutgoingAction {
	seq := e.nextSeq(msg.ChatID)

	if ctx.Err() != nil {
		return message.Silence("shutting_down")
	}

	if e.markSeen(msg.ChatID, msg.MessageID) {
		return message.Silence("duplicate_message")
	}

	if isPlatformArtifact(msg.Text) {
		return message.Silence("platform_artifact")
	}

	userText := strings.TrimSpace(msg.Text)
	userText += attachmentSummary(msg.Attachments)
	if strings.TrimSpace(userText) == "" {
		return message.Silence("empty_input")
	}

	if e.sessions != nil {
		_ = e.sessions.AppendMessage(ctx, msg.ChatID, "user", userText, msg.MessageID, msg.AuthorDisplayName, msg.TimestampMs)
	}
	if e.memory != nil {
		go func() {
			bgCtx := context.Background()
			_ = e.memory.LogEpisode(bgCtx, &person.Episode{
				ChatID: msg.ChatID, PersonID: msg.AuthorID, IsGroup: msg.IsGroup,
				Content: "received: " + userText,
			})
		}()
	}

	debounceMs := e.accumulator.PushAndGetDebounceMs(msg.ChatID, msg, msg.TimestampMs)
	if !e.sleepDebounce(ctx, debounceMs) {
		return message.Silence("shutting_down")
	}

	if e.isStale(msg.ChatID, seq) {
		return message.Silence("stale_discard")
	}

	if msg.IsGroup && e.isRapidDialogue(msg.ChatID) {
		e.accumulator.Clear(msg.ChatID)
		return message.Silence("velocity_skip")
	}

	draft, ok := e.draftPhase(ctx, msg, seq)
	if !ok {
		return draft.action
	}
	if draft.action.Kind != message.ActionSend {
		return draft.action
	}

	delayMs := SampleHumanDelayMs(e.cfg, HumanDelayParams{
		Kind:       draft.action.Kind,
		TextLen:    len(draft.action.Text),
		IsQuestion: strings.HasSuffix(strings.TrimSpace(draft.action.Text), "?"),
	})
	if !e.sleepDebounce(ctx, delayMs) {
		return message.Silence("shutting_down")
	}

	return e.commit(ctx, draft)
}

// draftPhase runs under the per-chat lock: drain, gate, injection scan,
// context build, generation, quality gate (spec.md §4.J.11).
func (e *Engine) draftPhase(ctx context.Context, msg message.IncomingMessage, seq int) (draftResult, bool) {
	var result draftResult
	var handled bool

	err := e.locker.RunExclusive(ctx, msg.ChatID, func(lockCtx context.Context) error {
		batch := e.accumulator.Drain(msg.ChatID)
		if len(batch) == 0 {
			batch = []message.IncomingMessage{msg}
		}

		mentioned := message.MentionedUnknown
		var mergedText strings.Builder
		for i, m := range batch {
			mentioned = mentioned.Or(m.Mentioned)
			if i > 0 {
				mergedText.WriteString("\n")
			}
			mergedText.WriteString(m.Text)
		}
		userText := mergedText.String()

		in := behavior.Input{Msg: msg, UserText: userText, Now: time.Now()}
		decision := e.gate.DecidePreDraft(lockCtx, e.gateBackend, in)
		switch decision.Kind {
		case behavior.KindSilence:
			result = draftResult{action: message.Silence(decision.Reason), seq: seq}
			handled = true
			return nil
		case behavior.KindReact:
			result = draftResult{
				action: message.React(decision.Emoji, msg.AuthorID, msg.TimestampMs),
				seq:    seq,
			}
			handled = true
			return nil
		}

		authorID := msg.AuthorID
		if !msg.IsGroup && e.memory != nil {
			p := &person.Person{ID: authorID, DisplayName: msg.AuthorDisplayName, Channel: msg.Channel, ChannelUserID: string(authorID)}
			_ = e.memory.TrackPerson(lockCtx, p)
		}

		suppressTools := e.cfg.InjectionSuppressOnHighSeverity && hasHighSeverityInjection(userText) && !msg.IsOperator

		built, err := e.builder.Build(lockCtx, ctxbuild.Request{
			ChatID: msg.ChatID, IsGroup: msg.IsGroup, AuthorID: authorID,
			QueryText: userText, Batch: batch,
		})
		if err != nil {
			return fmt.Errorf("turnengine: build context: %w", err)
		}

		var tools []providers.ToolSpec
		if !suppressTools {
			// Populated by the caller's tool registry wiring; left empty
			// here since turnengine has no opinion on which tools exist.
		}

		genResult, err := e.genEngine.Generate(lockCtx, msg.ChatID, generation.Request{
			Messages: FlattenMessages(built),
			Tools:    tools,
		})
		if err != nil {
			return fmt.Errorf("turnengine: generate: %w", err)
		}
		if genResult.Text == "" {
			result = draftResult{action: message.Silence(string(genResult.Reason)), seq: seq}
			handled = true
			return nil
		}

		qr := quality.GateOutgoingText(lockCtx, quality.Request{
			Draft: genResult.Text, Kind: quality.KindText, MaxChars: 1200, IsGroup: msg.IsGroup,
		})
		if qr.Reason != quality.FailNone {
			result = draftResult{action: message.Silence(string(qr.Reason)), seq: seq}
			handled = true
			return nil
		}

		result = draftResult{
			action:   message.SendText(qr.Text),
			seq:      seq,
			authorID: authorID,
			userText: userText,
			chatID:   msg.ChatID,
			isGroup:  msg.IsGroup,
		}
		handled = true
		return nil
	})
	if err != nil {
		return draftResult{action: message.Silence("internal_error")}, false
	}
	if !handled {
		return draftResult{action: message.Silence("internal_error")}, false
	}
	return result, true
}

// commit re-acquires the lock, re-checks staleness, and persists the
// outbound turn (spec.md §4.J.12).
func (e *Engine) commit(ctx context.Context, draft draftResult) message.OutgoingAction {
	var final message.OutgoingAction

	err := e.locker.RunExclusive(ctx, draft.chatID, func(lockCtx context.Context) error {
		if e.isStale(draft.chatID, draft.seq) {
			final = message.Silence("stale_discard")
			return nil
		}

		now := time.Now().UnixMilli()
		if draft.action.Kind == message.ActionSend {
			if e.sessions != nil {
				_ = e.sessions.AppendMessage(lockCtx, draft.chatID, "assistant", draft.action.Text, "", "", now)
			}
			if e.memory != nil {
				_ = e.memory.LogEpisode(lockCtx, &person.Episode{
					ChatID: draft.chatID, PersonID: draft.authorID, IsGroup: draft.isGroup,
					Content: "sent: " + draft.action.Text,
				})
			}
		} else if e.memory != nil && draft.action.Kind == message.ActionSilence {
			_ = e.memory.LogEpisode(lockCtx, &person.Episode{
				ChatID: draft.chatID, PersonID: draft.authorID, IsGroup: draft.isGroup,
				Content: "silence: " + draft.action.Reason,
			})
		}

		if e.extractor != nil && draft.action.Kind == message.ActionSend {
			go func() {
				bgCtx := context.Background()
				facts, err := e.extractor.ExtractFacts(bgCtx, draft.authorID, draft.userText, draft.action.Text)
				if err != nil {
					return
				}
				for _, f := range facts {
					_ = e.memory.StoreFact(bgCtx, &f)
				}
			}()
		}

		final = draft.action
		return nil
	})
	if err != nil {
		return message.Silence("internal_error")
	}
	return final
}

func (e *Engine) isRapidDialogue(chatID message.ChatID) bool {
	recent := e.accumulator.Peek(chatID)
	if len(recent) < e.cfg.VelocityThreshold {
		return false
	}
	cutoff := time.Now().Add(-e.cfg.VelocityWindow).UnixMilli()
	count := 0
	for _, m := range recent {
		if m.TimestampMs >= cutoff {
			count++
		}
	}
	return count >= e.cfg.VelocityThreshold
}

func (e *Engine) sleepDebounce(ctx context.Context, ms int64) bool {
	if ms <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func attachmentSummary(atts []message.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range atts {
		fmt.Fprintf(&b, " [attachment:%s]", a.Kind)
	}
	return b.String()
}

func FlattenMessages(built *ctxbuild.Built) []providers.Message {
	out := []providers.Message{{Role: "system", Content: built.System}}
	out = append(out, built.DataMessages...)
	out = append(out, built.History...)
	out = append(out, built.UserMessages...)
	return out
}

// HumanDelayParams mirrors SampleHumanDelayMs's named-argument input
// (spec.md §4.J "Human-like delay").
type HumanDelayParams struct {
	Kind       message.ActionKind
	TextLen    int
	IsQuestion bool
}

// SampleHumanDelayMs implements the exact shape spec.md describes: short
// uniform delay for reactions, baseline+per-char+jitter for text, clipped
// to [min,max].
func SampleHumanDelayMs(cfg Config, p HumanDelayParams) int64 {
	minMs, maxMs := float64(cfg.HumanDelayMinMs), float64(cfg.HumanDelayMaxMs)

	if p.Kind == message.ActionReact {
		upper := minMs + (maxMs-minMs)/3
		return int64(minMs + rand.Float64()*(upper-minMs))
	}

	delay := minMs + float64(p.TextLen)*cfg.MsPerChar + GaussianJitter(minMs/4)
	if p.IsQuestion {
		delay *= 0.8
	}
	if delay < minMs {
		delay = minMs
	}
	if delay > maxMs {
		delay = maxMs
	}
	return int64(delay)
}

func GaussianJitter(stdDev float64) float64 {
	return rand.NormFloat64() * stdDev
}
