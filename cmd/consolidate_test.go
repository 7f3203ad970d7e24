package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/friendcore/friend/internal/memory"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/mirror"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/providers"
)

type fakeProvider struct{ reply string }

func (f fakeProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: f.reply}, nil
}
func (f fakeProvider) ChatStream(context.Context, providers.ChatRequest, func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: f.reply}, nil
}
func (f fakeProvider) DefaultModel() string { return "fake-model" }
func (f fakeProvider) Name() string         { return "fake" }

func newConsolidateTestApp(t *testing.T, reply string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	store, err := memory.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	backend := providers.NewProviderBackend(fakeProvider{reply: reply}, "fake-model", "fake-model", nil)
	return &App{Memory: store, Backend: backend, Mirror: mirror.New(t.TempDir())}
}

func TestSummarizeCapsule_EmptyInputReturnsEmptyWithoutCallingBackend(t *testing.T) {
	got, err := summarizeCapsule(context.Background(), providers.NewProviderBackend(fakeProvider{reply: "should not be used"}, "m", "m", nil), "person", "   ")
	if err != nil {
		t.Fatalf("summarizeCapsule: %v", err)
	}
	if got != "" {
		t.Errorf("summarizeCapsule(empty) = %q, want empty", got)
	}
}

func TestSummarizeCapsule_ReturnsTrimmedBackendReply(t *testing.T) {
	backend := providers.NewProviderBackend(fakeProvider{reply: "  a short capsule  "}, "m", "m", nil)
	got, err := summarizeCapsule(context.Background(), backend, "person", "likes coffee\nworks as an engineer")
	if err != nil {
		t.Fatalf("summarizeCapsule: %v", err)
	}
	if got != "a short capsule" {
		t.Errorf("summarizeCapsule = %q, want trimmed reply", got)
	}
}

func TestConsolidatePerson_WritesBothCapsulesAndCompletesClaim(t *testing.T) {
	ctx := context.Background()
	app := newConsolidateTestApp(t, "a capsule summary")

	p := &person.Person{Channel: message.ChannelTelegram, ChannelUserID: "u1"}
	if err := app.Memory.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if err := app.Memory.StoreFact(ctx, &person.Fact{PersonID: p.ID, Subject: "likes", Content: "coffee"}); err != nil {
		t.Fatalf("StoreFact: %v", err)
	}

	consolidatePerson(ctx, app, p.ID, 0)

	got, err := app.Memory.GetPersonByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersonByID: %v", err)
	}
	if got.Capsule != "a capsule summary" {
		t.Errorf("Capsule = %q, want %q", got.Capsule, "a capsule summary")
	}
	if got.PublicStyleCapsule != "a capsule summary" {
		t.Errorf("PublicStyleCapsule = %q, want %q", got.PublicStyleCapsule, "a capsule summary")
	}
}

func TestConsolidateGroup_WritesGroupCapsule(t *testing.T) {
	ctx := context.Background()
	app := newConsolidateTestApp(t, "group summary")

	chatID := message.ChatID("chat-1")
	if err := app.Memory.LogEpisode(ctx, &person.Episode{ChatID: chatID, Content: "hello"}); err != nil {
		t.Fatalf("LogEpisode: %v", err)
	}

	consolidateGroup(ctx, app, chatID, 0)

	got, err := app.Memory.GroupCapsule(ctx, chatID)
	if err != nil {
		t.Fatalf("GroupCapsule: %v", err)
	}
	if got != "group summary" {
		t.Errorf("GroupCapsule = %q, want %q", got, "group summary")
	}
}
