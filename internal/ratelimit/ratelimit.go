// Package ratelimit implements the global and per-chat token buckets that
// gate backend calls (spec.md §4.A). Each bucket blocks cooperatively on
// Take until tokens are available or the caller's context is canceled.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/friendcore/friend/internal/message"
)

// Bucket wraps golang.org/x/time/rate.Limiter — its WaitN already gives us
// exactly the "block until n tokens or ctx cancels" semantics spec.md asks
// for, so there is no reason to hand-roll a refill loop.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket builds a bucket with the given capacity (burst) and
// refillPerSecond (steady-state rate).
func NewBucket(capacity int, refillPerSecond float64) *Bucket {
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

// Take blocks until n tokens are available or ctx is done.
func (b *Bucket) Take(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// chatBucket pairs a Bucket with the last-touched time so idle entries can
// be evicted. Grounded on internal/channels/ratelimit.go's bounded,
// opportunistically-pruned map of per-key state.
type chatBucket struct {
	bucket     *Bucket
	lastTakeAt time.Time
}

// PerChatLimiter owns a global bucket plus a lazily-created, TTL-evicted
// map of per-chat buckets, per spec.md §4.A.
type PerChatLimiter struct {
	mu sync.Mutex

	global *Bucket

	capacity        int
	refillPerSecond float64
	ttl             time.Duration
	maxTracked      int

	chats map[message.ChatID]*chatBucket
}

// Config holds the tunables; defaults are generous enough for a single
// always-on friend agent rather than a high-volume multi-tenant gateway.
type Config struct {
	GlobalCapacity        int
	GlobalRefillPerSecond float64
	ChatCapacity          int
	ChatRefillPerSecond   float64
	ChatTTL               time.Duration
	MaxTrackedChats       int
}

func DefaultConfig() Config {
	return Config{
		GlobalCapacity:        20,
		GlobalRefillPerSecond: 5,
		ChatCapacity:          5,
		ChatRefillPerSecond:   1,
		ChatTTL:               30 * time.Minute,
		MaxTrackedChats:       10000,
	}
}

func New(cfg Config) *PerChatLimiter {
	if cfg.MaxTrackedChats <= 0 {
		cfg.MaxTrackedChats = 10000
	}
	if cfg.ChatTTL <= 0 {
		cfg.ChatTTL = 30 * time.Minute
	}
	return &PerChatLimiter{
		global:          NewBucket(cfg.GlobalCapacity, cfg.GlobalRefillPerSecond),
		capacity:        cfg.ChatCapacity,
		refillPerSecond: cfg.ChatRefillPerSecond,
		ttl:             cfg.ChatTTL,
		maxTracked:      cfg.MaxTrackedChats,
		chats:           make(map[message.ChatID]*chatBucket),
	}
}

// Take acquires n tokens from both the global bucket and the per-chat
// bucket for chatID, in that order (global first so a single hot chat
// can't starve the global budget from the rest of the fleet).
func (p *PerChatLimiter) Take(ctx context.Context, chatID message.ChatID, n int) error {
	if err := p.global.Take(ctx, n); err != nil {
		return err
	}
	return p.chatBucketFor(chatID).Take(ctx, n)
}

func (p *PerChatLimiter) chatBucketFor(chatID message.ChatID) *Bucket {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chats) >= p.maxTracked {
		p.evictStaleLocked(now)
	}

	cb, ok := p.chats[chatID]
	if !ok {
		cb = &chatBucket{bucket: NewBucket(p.capacity, p.refillPerSecond)}
		p.chats[chatID] = cb
	}
	cb.lastTakeAt = now
	return cb.bucket
}

// evictStaleLocked drops chats untouched beyond the TTL; if still over
// capacity it falls back to removing arbitrary entries (map iteration
// order), mirroring the teacher's hard-eviction fallback.
func (p *PerChatLimiter) evictStaleLocked(now time.Time) {
	for k, cb := range p.chats {
		if now.Sub(cb.lastTakeAt) >= p.ttl {
			delete(p.chats, k)
		}
	}
	for len(p.chats) >= p.maxTracked {
		for k := range p.chats {
			delete(p.chats, k)
			break
		}
	}
}

// TrackedChats reports how many per-chat buckets currently exist (used by
// `status`).
func (p *PerChatLimiter) TrackedChats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chats)
}
