// Package proactive implements agent-initiated turns (spec.md §4.K):
// reminders, birthdays, and other self-scheduled check-ins that run
// through the same trust-tier gating, generation loop, and quality gate
// as an inbound turn, under the same per-chat lock. Grounded on the
// teacher's cron-lane dispatch (cmd/gateway_cron.go's
// makeCronJobHandler), generalized from "replay a stored cron job
// payload" to "decide whether this agent should speak first".
package proactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/friendcore/friend/internal/behavior"
	"github.com/friendcore/friend/internal/chatlock"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/generation"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/quality"
	"github.com/friendcore/friend/internal/turnengine"
)

// heartbeatSentinel is what a well-behaved model returns when it decides
// a scheduled check-in genuinely has nothing worth saying.
const heartbeatSentinel = "HEARTBEAT_OK"

// EventKind distinguishes the event sources spec.md §4.K names.
type EventKind string

const (
	EventReminder EventKind = "reminder"
	EventBirthday EventKind = "birthday"
	EventHeatbeat EventKind = "heartbeat"
)

// Event is one fired schedule entry: who to speak to, about what, and
// whether it came from a reminder/birthday (which bypasses the
// new_contact safe-mode gate) or a generic heartbeat (which doesn't.
type Event struct {
	Kind      EventKind
	ChatID    message.ChatID
	Channel   message.Channel
	PersonID  message.PersonID
	Subject   string // what the event is about, folded into the prompt
	CreatedAt time.Time
}

// Recipient resolves the routing details proactive needs about a chat
// that HandleIncomingMessage would otherwise derive from the inbound
// message itself.
type Recipient struct {
	ChatID        message.ChatID
	Channel       message.Channel
	PersonID      message.PersonID
	ChannelUserID string
	IsGroup       bool
	IsOperator    bool
}

// Router resolves a proactive Event's chat id to a routable Recipient.
// Returns ok=false for unroutable events (spec.md §4.K.1).
type Router interface {
	Resolve(ctx context.Context, chatID message.ChatID) (Recipient, bool)
}

// MemoryStore is the narrow slice of internal/memory.Store proactive
// needs: trust-tier lookup and episode persistence.
type MemoryStore interface {
	GetPersonByChannelUser(ctx context.Context, channel message.Channel, channelUserID string) (*person.Person, error)
	LogEpisode(ctx context.Context, e *person.Episode) error
	HybridSearchEpisodes(ctx context.Context, chatID message.ChatID, query string, limit int) ([]ctxbuild.RetrievedItem, error)
}

// SessionStore is the narrow slice of internal/sessions.Store proactive
// needs to persist its own turn the same way the turn engine does.
type SessionStore interface {
	AppendMessage(ctx context.Context, chatID message.ChatID, role, content string, sourceMessageID message.MessageID, authorDisplay string, timestampMs int64) error
}

// ThrottleStore tracks how many proactive sends a person has received
// recently, for the getting_to_know warming throttle (spec.md §4.K.2).
// Backed by internal/memory episodes in production (an episode whose
// Content starts with "proactive:" counts as a send) but kept as its own
// interface so tests can inject a fake.
type ThrottleStore interface {
	ProactiveSendsSince(ctx context.Context, personID message.PersonID, since time.Time) (int, error)
}

// Config bounds the handler's gating policy.
type Config struct {
	WarmingWindow       time.Duration // lookback for the getting_to_know throttle, default 24h
	WarmingMaxPerWindow int           // max proactive sends allowed in WarmingWindow, default 1
	Thresholds          person.Thresholds
}

func DefaultConfig() Config {
	return Config{
		WarmingWindow:       24 * time.Hour,
		WarmingMaxPerWindow: 1,
		Thresholds:          person.DefaultThresholds,
	}
}

// Handler runs handleProactiveEvent, reusing the turn engine's lock,
// context builder, generation engine, and quality gate so a proactive
// turn is indistinguishable downstream from an inbound one.
type Handler struct {
	cfg       Config
	locker    *chatlock.Locker
	router    Router
	gate      *behavior.Gate
	builder   *ctxbuild.Builder
	genEngine *generation.Engine
	memory    MemoryStore
	sessions  SessionStore
	throttle  ThrottleStore
}

func NewHandler(
	cfg Config,
	locker *chatlock.Locker,
	router Router,
	gate *behavior.Gate,
	builder *ctxbuild.Builder,
	genEngine *generation.Engine,
	memory MemoryStore,
	sessions SessionStore,
	throttle ThrottleStore,
) *Handler {
	return &Handler{
		cfg: cfg, locker: locker, router: router, gate: gate,
		builder: builder, genEngine: genEngine, memory: memory,
		sessions: sessions, throttle: throttle,
	}
}

// Handle runs the 6-step flow spec.md §4.K describes and returns the
// action actually taken (possibly a silence).
func (h *Handler) Handle(ctx context.Context, ev Event) message.OutgoingAction {
	recipient, ok := h.router.Resolve(ctx, ev.ChatID)
	if !ok {
		return message.Silence("proactive_unroutable")
	}

	var final message.OutgoingAction
	err := h.locker.RunExclusive(ctx, recipient.ChatID, func(lockCtx context.Context) error {
		final = h.draftUnderLock(lockCtx, ev, recipient)
		return nil
	})
	if err != nil {
		return message.Silence("internal_error")
	}
	return final
}

func (h *Handler) draftUnderLock(ctx context.Context, ev Event, r Recipient) message.OutgoingAction {
	p, err := h.memory.GetPersonByChannelUser(ctx, r.Channel, r.ChannelUserID)
	if err != nil || p == nil {
		p = &person.Person{ID: r.PersonID, Channel: r.Channel, ChannelUserID: r.ChannelUserID}
	}
	tier := person.DeriveTrustTier(p, r.IsOperator, h.cfg.Thresholds)

	if tier == person.TierNewContact && ev.Kind != EventReminder && ev.Kind != EventBirthday {
		return message.Silence("proactive_safe_mode")
	}

	if tier == person.TierGettingToKnow && h.throttle != nil {
		since := time.Now().Add(-h.cfg.WarmingWindow)
		n, err := h.throttle.ProactiveSendsSince(ctx, p.ID, since)
		if err == nil && n >= h.cfg.WarmingMaxPerWindow {
			return message.Silence("proactive_warming_throttle")
		}
	}

	if !r.IsOperator && h.gate.InSleepWindow(time.Now()) {
		return message.Silence("sleep_mode")
	}

	built, err := h.buildProactiveContext(ctx, ev, r, p)
	if err != nil {
		return message.Silence("internal_error")
	}

	genResult, err := h.genEngine.Generate(ctx, r.ChatID, generation.Request{
		Messages: turnengine.FlattenMessages(built),
	})
	if err != nil {
		return message.Silence(string(generation.ReasonBackendError))
	}

	text := strings.TrimSpace(genResult.Text)
	if text == "" || text == heartbeatSentinel {
		return message.Silence("proactive_heartbeat_ok")
	}

	qr := quality.GateOutgoingText(ctx, quality.Request{
		Draft: text, Kind: quality.KindText, MaxChars: 1200, IsGroup: r.IsGroup,
	})
	if qr.Reason != quality.FailNone {
		return message.Silence(string(qr.Reason))
	}

	action := message.SendText(qr.Text)
	h.persist(ctx, r, p, action.Text)
	return action
}

// buildProactiveContext assembles a minimal prompt: identity + subject +
// the chat's recent episodes, standing in for the user-turn batch an
// inbound message would otherwise supply (spec.md §4.K.4).
func (h *Handler) buildProactiveContext(ctx context.Context, ev Event, r Recipient, p *person.Person) (*ctxbuild.Built, error) {
	subjectLine := fmt.Sprintf("[proactive:%s] %s", ev.Kind, ev.Subject)
	synthetic := message.IncomingMessage{
		Channel: r.Channel, ChatID: r.ChatID, AuthorID: r.PersonID,
		Text: subjectLine, IsGroup: r.IsGroup, IsOperator: r.IsOperator,
		TimestampMs: ev.CreatedAt.UnixMilli(),
	}
	return h.builder.Build(ctx, ctxbuild.Request{
		ChatID:    r.ChatID,
		IsGroup:   r.IsGroup,
		AuthorID:  r.PersonID,
		QueryText: ev.Subject,
		Batch:     []message.IncomingMessage{synthetic},
		Identity:  ctxbuild.Identity{Capsule: p.Capsule},
	})
}

func (h *Handler) persist(ctx context.Context, r Recipient, p *person.Person, text string) {
	now := time.Now().UnixMilli()
	if h.sessions != nil {
		_ = h.sessions.AppendMessage(ctx, r.ChatID, "assistant", text, "", "", now)
	}
	if h.memory != nil {
		_ = h.memory.LogEpisode(ctx, &person.Episode{
			ChatID: r.ChatID, PersonID: p.ID, IsGroup: r.IsGroup,
			Content: "proactive: " + text,
		})
	}
}
