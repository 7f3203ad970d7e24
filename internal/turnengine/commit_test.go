package turnengine

import (
	"context"
	"testing"

	"github.com/friendcore/friend/internal/chatlock"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
)

type fakeMemory struct {
	episodes []*person.Episode
	facts    []*person.Fact
}

func (f *fakeMemory) TrackPerson(context.Context, *person.Person) error { return nil }
func (f *fakeMemory) GetPersonByChannelUser(context.Context, message.Channel, string) (*person.Person, error) {
	return nil, nil
}
func (f *fakeMemory) LogEpisode(_ context.Context, e *person.Episode) error {
	f.episodes = append(f.episodes, e)
	return nil
}
func (f *fakeMemory) StoreFact(_ context.Context, fact *person.Fact) error {
	f.facts = append(f.facts, fact)
	return nil
}

type fakeSessions struct {
	appended int
}

func (f *fakeSessions) AppendMessage(context.Context, message.ChatID, string, string, message.MessageID, string, int64) error {
	f.appended++
	return nil
}
func (f *fakeSessions) History(context.Context, message.ChatID, int) ([]ctxbuild.SessionMessage, error) {
	return nil, nil
}

func newCommitTestEngine() (*Engine, *fakeMemory, *fakeSessions) {
	mem := &fakeMemory{}
	sess := &fakeSessions{}
	e := newBareEngine(DefaultConfig())
	e.locker = chatlock.New()
	e.memory = mem
	e.sessions = sess
	return e, mem, sess
}

func TestCommit_SendActionAppendsSessionMessageAndSentEpisode(t *testing.T) {
	e, mem, sess := newCommitTestEngine()
	chat := message.ChatID("c1")
	seq := e.nextSeq(chat)

	draft := draftResult{
		action:   message.SendText("hello there"),
		seq:      seq,
		chatID:   chat,
		authorID: "p1",
	}
	final := e.commit(context.Background(), draft)
	if final.Kind != message.ActionSend || final.Text != "hello there" {
		t.Errorf("commit should return the send action on the happy path, got %v", final)
	}
	if sess.appended != 1 {
		t.Errorf("AppendMessage called %d times, want 1", sess.appended)
	}
	if len(mem.episodes) != 1 || mem.episodes[0].Content != "sent: hello there" {
		t.Fatalf("episodes = %+v, want one \"sent: hello there\" episode", mem.episodes)
	}
}

func TestCommit_SilenceActionLogsSilenceEpisodeOnly(t *testing.T) {
	e, mem, sess := newCommitTestEngine()
	chat := message.ChatID("c2")
	seq := e.nextSeq(chat)

	draft := draftResult{
		action:   message.Silence("sleep_window"),
		seq:      seq,
		chatID:   chat,
		authorID: "p1",
	}
	e.commit(context.Background(), draft)

	if sess.appended != 0 {
		t.Errorf("AppendMessage called %d times for a silence action, want 0", sess.appended)
	}
	if len(mem.episodes) != 1 || mem.episodes[0].Content != "silence: sleep_window" {
		t.Fatalf("episodes = %+v, want one \"silence: sleep_window\" episode", mem.episodes)
	}
}

func TestCommit_StaleDraftIsDiscardedWithoutPersisting(t *testing.T) {
	e, mem, sess := newCommitTestEngine()
	chat := message.ChatID("c3")
	staleSeq := e.nextSeq(chat)
	e.nextSeq(chat) // supersede staleSeq

	draft := draftResult{
		action:   message.SendText("too late"),
		seq:      staleSeq,
		chatID:   chat,
		authorID: "p1",
	}
	final := e.commit(context.Background(), draft)
	if final.Reason != "stale_discard" {
		t.Errorf("final = %+v, want stale_discard silence", final)
	}
	if sess.appended != 0 || len(mem.episodes) != 0 {
		t.Errorf("stale draft should not persist anything, got sess=%d episodes=%d", sess.appended, len(mem.episodes))
	}
}
