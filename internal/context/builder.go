// Package ctxbuild assembles the four message strata fed to the LLM:
// system, data messages, history, and user messages (spec.md §4.G).
package ctxbuild

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
)

// approxTokensPerChar is the crude heuristic used throughout the example
// fleet for prompt-budget estimates in the absence of a real tokenizer
// call (grounded on the teacher's own prompt-token estimates, which use a
// fixed chars-per-token ratio rather than shipping a tokenizer).
const approxTokensPerChar = 0.25

func estimateTokens(s string) int {
	return int(float64(len(s)) * approxTokensPerChar)
}

// SessionHistoryProvider is the narrow slice of the session store the
// context builder needs.
type SessionHistoryProvider interface {
	History(ctx context.Context, chatID message.ChatID, limit int) ([]SessionMessage, error)
	Compact(ctx context.Context, chatID message.ChatID, summarize func([]SessionMessage) (string, error)) error
}

// SessionMessage is one persisted turn in the session log.
type SessionMessage struct {
	Role            string // "user", "assistant", "system"
	Content         string
	SourceMessageID message.MessageID // empty for assistant/system rows
	AuthorDisplay   string
	TimestampMs     int64
}

// Retriever is the narrow slice of the memory store the context builder
// needs (hybrid search over facts + episodes, plus capsule lookups).
type Retriever interface {
	RetrieveFacts(ctx context.Context, personID message.PersonID, query string, limit int) ([]RetrievedItem, error)
	RetrieveEpisodes(ctx context.Context, chatID message.ChatID, query string, limit int) ([]RetrievedItem, error)
	GroupCapsule(ctx context.Context, chatID message.ChatID) (string, error)
	PersonCapsule(ctx context.Context, personID message.PersonID) (string, string, error) // capsule, publicStyleCapsule
}

// RetrievedItem is a fact or episode surfaced by hybrid search.
type RetrievedItem struct {
	Content string
	Score   float64
}

// Config bounds the token budgets per data-message section and overall.
type Config struct {
	DataMessagesMaxTokens int
	MaxContextTokens      int
	HistoryLimit          int
	MaxImageBytes         int64
}

func DefaultConfig() Config {
	return Config{
		DataMessagesMaxTokens: 1500,
		MaxContextTokens:      180000,
		HistoryLimit:          40,
		MaxImageBytes:         5 * 1024 * 1024,
	}
}

// Identity is the persona material injected into the system block.
type Identity struct {
	Capsule         string
	PersonaReminder string
}

// ChannelPolicy is the channel-specific limits folded into the system block.
type ChannelPolicy struct {
	MaxChars         int
	OperatorPresent  bool
	BehaviorOverride string // e.g. "You are in a group chat; keep it one line"
}

// Participant is one active chat member whose capsule is worth surfacing.
type Participant struct {
	PersonID message.PersonID
	Capsule  string
}

// Built is the assembled prompt.
type Built struct {
	System       string
	DataMessages []providers.Message
	History      []providers.Message
	UserMessages []providers.Message
}

// Builder assembles prompts from a session store and a memory retriever.
type Builder struct {
	cfg       Config
	sessions  SessionHistoryProvider
	retriever Retriever
}

func NewBuilder(cfg Config, sessions SessionHistoryProvider, retriever Retriever) *Builder {
	return &Builder{cfg: cfg, sessions: sessions, retriever: retriever}
}

// Request bundles everything needed for one build.
type Request struct {
	ChatID         message.ChatID
	IsGroup        bool
	Identity       Identity
	Policy         ChannelPolicy
	Participants   []Participant
	AuthorID       message.PersonID
	QueryText      string // concatenated batch text, used for retrieval
	Batch          []message.IncomingMessage
	OutboundLedger []string // recent outgoing texts, newest last
	SkillSnippets  []string
}

// Build assembles the four strata. If the estimated prompt size exceeds
// MaxContextTokens it asks the session store to compact, then retries
// exactly once (spec.md §4.G).
func (b *Builder) Build(ctx context.Context, req Request) (*Built, error) {
	built, err := b.buildOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if estimatePromptTokens(built) <= b.cfg.MaxContextTokens {
		return built, nil
	}

	if b.sessions != nil {
		err := b.sessions.Compact(ctx, req.ChatID, func(msgs []SessionMessage) (string, error) {
			return summarizeFallback(msgs), nil
		})
		if err != nil {
			return built, nil // best-effort: serve the oversized prompt rather than fail the turn
		}
	}

	return b.buildOnce(ctx, req)
}

func estimatePromptTokens(built *Built) int {
	total := estimateTokens(built.System)
	for _, m := range built.DataMessages {
		total += estimateTokens(m.Content)
	}
	for _, m := range built.History {
		total += estimateTokens(m.Content)
	}
	for _, m := range built.UserMessages {
		total += estimateTokens(m.Content)
	}
	return total
}

// summarizeFallback is the summarizer Build passes to Compact; Builder
// has no hook for supplying a different one.
func summarizeFallback(msgs []SessionMessage) string {
	var b strings.Builder
	b.WriteString("Earlier conversation (compacted): ")
	for i, m := range msgs {
		if i > 20 {
			b.WriteString("...")
			break
		}
		fmt.Fprintf(&b, "[%s] %s; ", m.Role, truncate(m.Content, 80))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func (b *Builder) buildOnce(ctx context.Context, req Request) (*Built, error) {
	system := b.buildSystem(req)
	data := b.buildDataMessages(ctx, req)

	batchIDs := map[message.MessageID]bool{}
	for _, m := range req.Batch {
		batchIDs[m.MessageID] = true
	}

	var history []providers.Message
	if b.sessions != nil {
		hist, err := b.sessions.History(ctx, req.ChatID, b.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("ctxbuild: history: %w", err)
		}
		for _, h := range hist {
			if h.SourceMessageID != "" && batchIDs[h.SourceMessageID] {
				continue
			}
			history = append(history, providers.Message{Role: h.Role, Content: h.Content})
		}
	}

	userMessages := b.buildUserMessages(req)

	return &Built{System: system, DataMessages: data, History: history, UserMessages: userMessages}, nil
}

func (b *Builder) buildSystem(req Request) string {
	var parts []string
	if req.Identity.Capsule != "" {
		parts = append(parts, req.Identity.Capsule)
	}
	if req.Identity.PersonaReminder != "" {
		parts = append(parts, req.Identity.PersonaReminder)
	}
	if req.Policy.BehaviorOverride != "" {
		parts = append(parts, req.Policy.BehaviorOverride)
	}
	policy := fmt.Sprintf("Channel policy: max %d characters per reply.", req.Policy.MaxChars)
	if req.Policy.OperatorPresent {
		policy += " The operator is present in this conversation."
	}
	parts = append(parts, policy)
	return strings.Join(parts, "\n\n")
}

// budgetedSection trims a section's lines to fit within maxTokens,
// dropping from the end (least-recent/least-relevant first, since
// callers already sort by relevance).
func budgetedSection(header string, lines []string, maxTokens int) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	used := estimateTokens(header)
	for _, line := range lines {
		cost := estimateTokens(line)
		if used+cost > maxTokens {
			break
		}
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
		used += cost
	}
	return b.String()
}

func (b *Builder) buildDataMessages(ctx context.Context, req Request) []providers.Message {
	perSection := b.cfg.DataMessagesMaxTokens / 5
	if perSection <= 0 {
		perSection = 200
	}

	var sections []string

	if len(req.Participants) > 0 {
		var lines []string
		for _, p := range req.Participants {
			if p.Capsule == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s: %s", p.PersonID, p.Capsule))
		}
		if s := budgetedSection("Participants:", lines, perSection); s != "" {
			sections = append(sections, s)
		}
	}

	if req.IsGroup && b.retriever != nil {
		if capsule, err := b.retriever.GroupCapsule(ctx, req.ChatID); err == nil && capsule != "" {
			sections = append(sections, "Group notes:\n- "+capsule)
		}
	}

	if b.retriever != nil && req.AuthorID != "" {
		if facts, err := b.retriever.RetrieveFacts(ctx, req.AuthorID, req.QueryText, 8); err == nil {
			var lines []string
			for _, f := range facts {
				lines = append(lines, f.Content)
			}
			if s := budgetedSection("Known facts:", lines, perSection); s != "" {
				sections = append(sections, s)
			}
		}
		if episodes, err := b.retriever.RetrieveEpisodes(ctx, req.ChatID, req.QueryText, 8); err == nil {
			var lines []string
			for _, e := range episodes {
				lines = append(lines, e.Content)
			}
			if s := budgetedSection("Relevant past moments:", lines, perSection); s != "" {
				sections = append(sections, s)
			}
		}
	}

	if len(req.SkillSnippets) > 0 {
		if s := budgetedSection("Skills:", req.SkillSnippets, perSection); s != "" {
			sections = append(sections, s)
		}
	}

	if len(req.OutboundLedger) > 0 {
		if s := budgetedSection("You recently sent:", req.OutboundLedger, perSection); s != "" {
			sections = append(sections, s)
		}
	}

	if len(sections) == 0 {
		return nil
	}
	return []providers.Message{{Role: "user", Content: strings.Join(sections, "\n\n")}}
}

func (b *Builder) buildUserMessages(req Request) []providers.Message {
	var out []providers.Message
	for _, m := range req.Batch {
		text := m.Text
		if req.IsGroup {
			name := m.AuthorDisplayName
			if name == "" {
				name = string(m.AuthorID)
			}
			text = fmt.Sprintf("[%s] %s", name, text)
		}
		msg := providers.Message{Role: "user", Content: text}
		for _, att := range m.Attachments {
			if att.Kind != message.AttachmentImage || att.Fetch == nil {
				continue
			}
			if att.SizeBytes > b.cfg.MaxImageBytes {
				continue
			}
			data, err := att.Fetch()
			if err != nil || int64(len(data)) > b.cfg.MaxImageBytes {
				continue
			}
			encoded, mime, err := reencodeImage(data, att.Mime)
			if err != nil {
				continue
			}
			msg.Images = append(msg.Images, providers.ImageContent{MimeType: mime, Data: encoded})
		}
		out = append(out, msg)
	}
	return out
}

// reencodeImage downscales oversized images with disintegration/imaging
// before they're inlined as base64, so a phone-camera photo doesn't blow
// the per-image byte budget even after passing the raw MaxImageBytes
// check (the check above is on the *source* bytes; this is belt-and-
// braces on the *encoded* payload).
func reencodeImage(data []byte, mime string) (base64Data string, outMime string, err error) {
	img, decodeErr := imaging.Decode(bytes.NewReader(data))
	if decodeErr != nil {
		// Not a format imaging understands (e.g. already-small webp);
		// fall back to passing the original bytes through untouched.
		return encodeBase64(data), mime, nil
	}
	resized := imaging.Fit(img, 1568, 1568, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG); err != nil {
		return encodeBase64(data), mime, nil
	}
	return encodeBase64(buf.Bytes()), "image/jpeg", nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
