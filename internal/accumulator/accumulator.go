// Package accumulator coalesces bursts of inbound messages per chat with
// a debounce window, per spec.md §4.C.
package accumulator

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/friendcore/friend/internal/message"
)

// Config controls the debounce policy.
type Config struct {
	DebounceMs    int64 // baseline wait, default 300ms
	MaxMultiplier int64 // extend up to DebounceMs*MaxMultiplier, default 3
	MaxBuffered   int   // hard cap on buffered messages per chat (defensive)
}

func DefaultConfig() Config {
	return Config{DebounceMs: 300, MaxMultiplier: 3, MaxBuffered: 50}
}

type chatBuffer struct {
	msgs []message.IncomingMessage
}

// Accumulator holds one buffer per ChatID.
type Accumulator struct {
	mu    sync.Mutex
	cfg   Config
	chats map[message.ChatID]*chatBuffer
}

func New(cfg Config) *Accumulator {
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 300
	}
	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = 3
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 50
	}
	return &Accumulator{cfg: cfg, chats: make(map[message.ChatID]*chatBuffer)}
}

var terminalPunct = regexp.MustCompile(`[.?!]\s*$`)

// typingPauseHeuristic flags trailing ellipses / dangling connectives that
// suggest the author is still composing ("so i was thinking...", "and").
var typingPauseHeuristic = regexp.MustCompile(`(?i)(\.\.\.$|,$|\band$|\bbut$|\bso$)`)

// looksMidSentence reports whether the batch's most recent text looks
// unfinished because it has no terminal punctuation. The typing-pause
// heuristic is checked separately by showsTypingPause.
func looksMidSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if terminalPunct.MatchString(t) {
		return false
	}
	return true
}

func showsTypingPause(text string) bool {
	return typingPauseHeuristic.MatchString(strings.TrimSpace(text))
}

// PushAndGetDebounceMs appends msg to chatID's buffer and returns the
// number of milliseconds the caller should wait from now, per spec.md's
// debounce-extension policy. Each push restarts the wait for that chat.
func (a *Accumulator) PushAndGetDebounceMs(chatID message.ChatID, msg message.IncomingMessage, nowMs int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cb, ok := a.chats[chatID]
	if !ok {
		cb = &chatBuffer{}
		a.chats[chatID] = cb
	}
	cb.msgs = append(cb.msgs, msg)
	if len(cb.msgs) > a.cfg.MaxBuffered {
		cb.msgs = cb.msgs[len(cb.msgs)-a.cfg.MaxBuffered:]
	}

	wait := a.cfg.DebounceMs
	if looksMidSentence(msg.Text) || showsTypingPause(msg.Text) {
		max := a.cfg.DebounceMs * a.cfg.MaxMultiplier
		if max > wait {
			wait = max
		}
	}
	return wait
}

// Drain returns and clears the buffered messages for chatID.
func (a *Accumulator) Drain(chatID message.ChatID) []message.IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	cb, ok := a.chats[chatID]
	if !ok {
		return nil
	}
	delete(a.chats, chatID)
	return cb.msgs
}

// Clear discards chatID's buffer without returning it (used when a
// velocity check decides to skip the batch entirely).
func (a *Accumulator) Clear(chatID message.ChatID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.chats, chatID)
}

// Peek returns a copy of the currently buffered messages without clearing
// them (used by staleness/velocity checks that need to inspect the batch
// before deciding to drain or clear it).
func (a *Accumulator) Peek(chatID message.ChatID) []message.IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]message.IncomingMessage, len(cb.msgs))
	copy(out, cb.msgs)
	return out
}

// SleepDebounce is a small wrapper so callers can honor a cancellation
// signal while waiting out the debounce window (spec.md §5: suspension
// point, cancelable via context).
func SleepDebounce(done <-chan struct{}, ms int64) (canceled bool) {
	if ms <= 0 {
		return false
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-done:
		return true
	}
}
