package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/friendcore/friend/internal/behavior"
	"github.com/friendcore/friend/internal/chatlock"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/generation"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/providers"
)

// fakeBackend always returns a fixed reply, regardless of input.
type fakeBackend struct{ reply string }

func (f fakeBackend) Complete(ctx context.Context, req providers.CompleteRequest) (*providers.CompleteResult, error) {
	return &providers.CompleteResult{Text: f.reply}, nil
}
func (f fakeBackend) CompleteObject(ctx context.Context, req providers.CompleteObjectRequest) (*providers.CompleteObjectResult, error) {
	return &providers.CompleteObjectResult{Output: []byte(`{}`)}, nil
}
func (f fakeBackend) Embedder() providers.Embedder { return nil }
func (f fakeBackend) Name() string                 { return "fake" }

type fakeRouter struct {
	recipients map[message.ChatID]Recipient
}

func (r fakeRouter) Resolve(ctx context.Context, chatID message.ChatID) (Recipient, bool) {
	rec, ok := r.recipients[chatID]
	return rec, ok
}

type fakeMemory struct {
	people map[string]*person.Person
}

func (m fakeMemory) GetPersonByChannelUser(ctx context.Context, channel message.Channel, channelUserID string) (*person.Person, error) {
	return m.people[string(channel)+"|"+channelUserID], nil
}
func (m fakeMemory) LogEpisode(ctx context.Context, e *person.Episode) error { return nil }
func (m fakeMemory) HybridSearchEpisodes(ctx context.Context, chatID message.ChatID, query string, limit int) ([]ctxbuild.RetrievedItem, error) {
	return nil, nil
}

type fakeSessions struct{ appended int }

func (s *fakeSessions) AppendMessage(ctx context.Context, chatID message.ChatID, role, content string, sourceMessageID message.MessageID, authorDisplay string, timestampMs int64) error {
	s.appended++
	return nil
}

type fakeThrottle struct{ sends int }

func (t fakeThrottle) ProactiveSendsSince(ctx context.Context, personID message.PersonID, since time.Time) (int, error) {
	return t.sends, nil
}

func newTestBuilder() *ctxbuild.Builder {
	return ctxbuild.NewBuilder(ctxbuild.DefaultConfig(), nil, nil)
}

func newTestHandler(t *testing.T, reply string, p *person.Person, throttleSends int) (*Handler, *fakeSessions) {
	t.Helper()
	recipient := Recipient{ChatID: "chat1", Channel: message.ChannelTelegram, PersonID: "person1", ChannelUserID: "u1"}
	mem := fakeMemory{people: map[string]*person.Person{"telegram|u1": p}}
	sess := &fakeSessions{}
	backend := fakeBackend{reply: reply}
	genEngine := generation.NewEngine(generation.DefaultConfig(), backend, generation.NewBreaker(generation.DefaultConfig()), nil)
	gate := behavior.NewGate(behavior.DefaultConfig(), nil, nil)

	h := NewHandler(
		DefaultConfig(),
		chatlock.New(),
		fakeRouter{recipients: map[message.ChatID]Recipient{"chat1": recipient}},
		gate,
		newTestBuilder(),
		genEngine,
		mem,
		sess,
		fakeThrottle{sends: throttleSends},
	)
	return h, sess
}

func TestHandle_Unroutable(t *testing.T) {
	h := NewHandler(DefaultConfig(), chatlock.New(), fakeRouter{}, nil, nil, nil, nil, nil, nil)
	action := h.Handle(context.Background(), Event{ChatID: "unknown"})
	if action.Kind != message.ActionSilence || action.Reason != "proactive_unroutable" {
		t.Errorf("Handle() = %+v, want silence(proactive_unroutable)", action)
	}
}

func TestHandle_NewContactSafeMode(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: 0}
	h, _ := newTestHandler(t, "hey!", p, 0)
	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventHeatbeat})
	if action.Kind != message.ActionSilence || action.Reason != "proactive_safe_mode" {
		t.Errorf("Handle() = %+v, want silence(proactive_safe_mode)", action)
	}
}

func TestHandle_NewContactReminderBypassesSafeMode(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: 0}
	h, sess := newTestHandler(t, "don't forget your appointment", p, 0)
	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventReminder, Subject: "appointment"})
	if action.Kind != message.ActionSend {
		t.Fatalf("Handle() = %+v, want a send", action)
	}
	if sess.appended != 1 {
		t.Errorf("session not persisted: appended = %d", sess.appended)
	}
}

func TestHandle_GettingToKnowWarmingThrottle(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: person.DefaultThresholds.GettingToKnow}
	h, _ := newTestHandler(t, "hi again", p, 1) // already sent once in the window
	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventReminder})
	if action.Kind != message.ActionSilence || action.Reason != "proactive_warming_throttle" {
		t.Errorf("Handle() = %+v, want silence(proactive_warming_throttle)", action)
	}
}

func TestHandle_CloseFriendSendsHeartbeat(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: person.DefaultThresholds.CloseFriend}
	h, sess := newTestHandler(t, "thinking of you", p, 0)
	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventHeatbeat, Subject: "check in"})
	if action.Kind != message.ActionSend || action.Text != "thinking of you" {
		t.Errorf("Handle() = %+v, want send(thinking of you)", action)
	}
	if sess.appended != 1 {
		t.Errorf("expected session append, got %d", sess.appended)
	}
}

func TestHandle_HeartbeatSentinelSilences(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: person.DefaultThresholds.CloseFriend}
	h, sess := newTestHandler(t, heartbeatSentinel, p, 0)
	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventHeatbeat})
	if action.Kind != message.ActionSilence || action.Reason != "proactive_heartbeat_ok" {
		t.Errorf("Handle() = %+v, want silence(proactive_heartbeat_ok)", action)
	}
	if sess.appended != 0 {
		t.Error("heartbeat sentinel should not be persisted")
	}
}

func TestHandle_SleepWindowSilences(t *testing.T) {
	p := &person.Person{ID: "person1", RelationshipScore: person.DefaultThresholds.CloseFriend}
	recipient := Recipient{ChatID: "chat1", Channel: message.ChannelTelegram, PersonID: "person1", ChannelUserID: "u1"}
	mem := fakeMemory{people: map[string]*person.Person{"telegram|u1": p}}
	sess := &fakeSessions{}
	backend := fakeBackend{reply: "hi"}
	genEngine := generation.NewEngine(generation.DefaultConfig(), backend, generation.NewBreaker(generation.DefaultConfig()), nil)
	cfg := behavior.DefaultConfig()
	cfg.Sleep = behavior.SleepWindow{Enabled: true, StartLocal: "00:00", EndLocal: "23:59"}
	gate := behavior.NewGate(cfg, nil, nil)

	h := NewHandler(DefaultConfig(), chatlock.New(),
		fakeRouter{recipients: map[message.ChatID]Recipient{"chat1": recipient}},
		gate, newTestBuilder(), genEngine, mem, sess, fakeThrottle{})

	action := h.Handle(context.Background(), Event{ChatID: "chat1", Kind: EventHeatbeat})
	if action.Kind != message.ActionSilence || action.Reason != "sleep_mode" {
		t.Errorf("Handle() = %+v, want silence(sleep_mode)", action)
	}
}
