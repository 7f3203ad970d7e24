package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/friendcore/friend/internal/accumulator"
	"github.com/friendcore/friend/internal/behavior"
	"github.com/friendcore/friend/internal/chatlock"
	"github.com/friendcore/friend/internal/config"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/generation"
	"github.com/friendcore/friend/internal/memory"
	"github.com/friendcore/friend/internal/mirror"
	"github.com/friendcore/friend/internal/proactive"
	"github.com/friendcore/friend/internal/providers"
	"github.com/friendcore/friend/internal/ratelimit"
	"github.com/friendcore/friend/internal/sessions"
	"github.com/friendcore/friend/internal/telemetry"
	"github.com/friendcore/friend/internal/turnengine"
)

// App bundles every long-lived component start/chat/status/consolidate
// share, so each command wires only what it actually uses instead of
// repeating the full construction graph.
type App struct {
	Cfg      *config.Config
	Backend  *providers.ProviderBackend
	Memory   *memory.Store
	Sessions *sessions.Store
	Mirror   *mirror.Writer
	Limiter  *ratelimit.PerChatLimiter
	Breaker  *generation.Breaker
	Locker   *chatlock.Locker
	Gen      *generation.Engine
	Builder  *ctxbuild.Builder
	Gate     *behavior.Gate
	Engine   *turnengine.Engine
}

// openApp opens the data stores and wires the full component graph per
// SPEC_FULL.md §4, reusing every package's own DefaultConfig()-shaped
// Config struct from cfg.
func openApp(ctx context.Context, cfg *config.Config) (*App, error) {
	dataDir := config.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	backend, err := cfg.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("build provider backend: %w", err)
	}

	mem, err := memory.Open(ctx, filepath.Join(dataDir, "memory.db"), backend.Embedder())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	sess, err := sessions.Open(ctx, filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit)
	breaker := generation.NewBreaker(cfg.Generation)
	locker := chatlock.New()
	builder := ctxbuild.NewBuilder(cfg.Context, sess.AsProvider(), mem.AsRetriever())
	genEngine := generation.NewEngine(cfg.Generation, backend, breaker, limiter)
	gate := behavior.NewGate(cfg.Behavior, nil, nil)

	engine := turnengine.NewEngine(cfg.TurnEngine, locker, accumulator.New(accumulator.DefaultConfig()),
		gate, backend, builder, genEngine, mem, sess, nil)

	return &App{
		Cfg:      cfg,
		Backend:  backend,
		Memory:   mem,
		Sessions: sess,
		Mirror:   mirror.New(dataDir),
		Limiter:  limiter,
		Breaker:  breaker,
		Locker:   locker,
		Gen:      genEngine,
		Builder:  builder,
		Gate:     gate,
		Engine:   engine,
	}, nil
}

// Close releases the app's data stores.
func (a *App) Close() {
	a.Sessions.Close()
	a.Memory.Close()
}

// newProactiveHandler wires the proactive handler on top of an already
// opened App, sharing its lock, gate, builder, and generation engine so
// a self-initiated turn is indistinguishable downstream from an inbound
// one (spec.md §4.K).
func (a *App) newProactiveHandler(router proactive.Router) *proactive.Handler {
	return proactive.NewHandler(
		a.Cfg.Proactive,
		a.Locker, router, a.Gate, a.Builder, a.Gen, a.Memory, a.Sessions, a.Memory,
	)
}

func setupTelemetry(ctx context.Context, cfg telemetry.Config) telemetry.Shutdown {
	shutdown, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: telemetry setup failed, continuing without it: %s\n", err)
		return func(context.Context) error { return nil }
	}
	return shutdown
}
