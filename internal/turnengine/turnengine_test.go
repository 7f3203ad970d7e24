package turnengine

import (
	"testing"
	"time"

	"github.com/friendcore/friend/internal/message"
)

func newBareEngine(cfg Config) *Engine {
	return &Engine{
		cfg:          cfg,
		responseSeq:  make(map[message.ChatID]int),
		seenIncoming: make(map[string]int64),
		knownChats:   make(map[message.ChatID]bool),
	}
}

func TestNextSeq_MonotonicPerChat(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	chat := message.ChatID("c1")
	var last int
	for i := 0; i < 5; i++ {
		seq := e.nextSeq(chat)
		if seq <= last {
			t.Fatalf("seq %d did not increase past %d", seq, last)
		}
		last = seq
	}
}

func TestNextSeq_IndependentAcrossChats(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	a := e.nextSeq("chat-a")
	b := e.nextSeq("chat-b")
	a2 := e.nextSeq("chat-a")
	if a != 1 || b != 1 || a2 != 2 {
		t.Errorf("got a=%d b=%d a2=%d, want 1,1,2", a, b, a2)
	}
}

func TestNextSeq_FIFOEvictionAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTrackedSeq = 2
	e := newBareEngine(cfg)

	e.nextSeq("oldest")
	e.nextSeq("second")
	e.nextSeq("newest") // should evict "oldest"

	if len(e.responseSeq) != 2 {
		t.Fatalf("len(responseSeq) = %d, want 2 (capacity enforced)", len(e.responseSeq))
	}
	if _, ok := e.responseSeq["oldest"]; ok {
		t.Error("oldest chat should have been evicted")
	}
	if _, ok := e.responseSeq["newest"]; !ok {
		t.Error("newest chat should be tracked")
	}
}

func TestIsStale(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	chat := message.ChatID("c1")
	seq := e.nextSeq(chat)
	if e.isStale(chat, seq) {
		t.Error("freshly issued seq reported stale")
	}
	e.nextSeq(chat) // a newer turn supersedes it
	if !e.isStale(chat, seq) {
		t.Error("superseded seq should be stale")
	}
}

func TestMarkSeen_DedupesWithinTTL(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	chat, msg := message.ChatID("c1"), message.MessageID("m1")

	if e.markSeen(chat, msg) {
		t.Error("first sighting reported as already seen")
	}
	if !e.markSeen(chat, msg) {
		t.Error("duplicate delivery within TTL should be reported as already seen")
	}
}

func TestMarkSeen_DistinctMessagesDoNotCollide(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	chat := message.ChatID("c1")
	if e.markSeen(chat, "m1") {
		t.Fatal("m1 should be new")
	}
	if e.markSeen(chat, "m2") {
		t.Error("m2 should be new, not a dedupe hit against m1")
	}
}

func TestMarkSeen_ExpiredEntryIsNotADuplicate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupeTTL = 0 // expires immediately
	e := newBareEngine(cfg)
	chat, msg := message.ChatID("c1"), message.MessageID("m1")
	e.markSeen(chat, msg)
	time.Sleep(time.Millisecond)
	if e.markSeen(chat, msg) {
		t.Error("entry past its TTL should not dedupe")
	}
}

func TestSampleHumanDelayMs_ReactIsShortAndWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < 50; i++ {
		ms := SampleHumanDelayMs(cfg, HumanDelayParams{Kind: message.ActionReact})
		if ms < int64(cfg.HumanDelayMinMs) || ms > int64(cfg.HumanDelayMaxMs) {
			t.Fatalf("react delay %d out of bounds [%d,%d]", ms, cfg.HumanDelayMinMs, cfg.HumanDelayMaxMs)
		}
	}
}

func TestSampleHumanDelayMs_TextClampsToBounds(t *testing.T) {
	cfg := DefaultConfig()
	ms := SampleHumanDelayMs(cfg, HumanDelayParams{Kind: message.ActionSend, TextLen: 100000})
	if ms != int64(cfg.HumanDelayMaxMs) {
		t.Errorf("long text delay = %d, want clamped to max %d", ms, cfg.HumanDelayMaxMs)
	}
	ms = SampleHumanDelayMs(cfg, HumanDelayParams{Kind: message.ActionSend, TextLen: 0})
	if ms < int64(cfg.HumanDelayMinMs) {
		t.Errorf("short text delay = %d, below min %d", ms, cfg.HumanDelayMinMs)
	}
}

func TestKnownChats_TracksEveryChatSeen(t *testing.T) {
	e := newBareEngine(DefaultConfig())
	e.nextSeq("a")
	e.nextSeq("b")
	known := e.KnownChats()
	if len(known) != 2 {
		t.Errorf("len(KnownChats()) = %d, want 2", len(known))
	}
}
