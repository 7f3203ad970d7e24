// Package config defines the gateway's on-disk configuration shape and
// load/save machinery. Grounded on the teacher's internal/config:
// JSON5 source format (github.com/titanous/json5), environment-variable
// overrides for secrets, a sha256 Hash() of the loaded config, and
// ExpandHome for `~`-relative
// paths — trimmed from the teacher's multi-agent/Docker-sandbox/managed-
// Postgres shape down to this gateway's own domain.
package config

import (
	"fmt"

	"github.com/friendcore/friend/internal/behavior"
	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/channels/discord"
	"github.com/friendcore/friend/internal/channels/signalcli"
	"github.com/friendcore/friend/internal/channels/telegram"
	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/generation"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/proactive"
	"github.com/friendcore/friend/internal/providers"
	"github.com/friendcore/friend/internal/ratelimit"
	"github.com/friendcore/friend/internal/telemetry"
	"github.com/friendcore/friend/internal/turnengine"
)

// Config is the complete on-disk shape loaded from friend.json5 (or the
// path given on the command line) and written by `friend init`.
type Config struct {
	DataDir string `json:"data_dir"`

	Provider ProviderConfig `json:"provider"`

	Channels ChannelsConfig `json:"channels"`

	RateLimit  ratelimit.Config  `json:"rate_limit"`
	Behavior   behavior.Config   `json:"behavior"`
	Context    ctxbuild.Config   `json:"context"`
	Generation generation.Config `json:"generation"`
	TurnEngine turnengine.Config `json:"turn_engine"`

	// Proactive.Thresholds is also the gateway's single source of trust
	// tiers; `friend trust` reads and overrides it per person.
	Proactive proactive.Config `json:"proactive"`

	Telemetry telemetry.Config `json:"telemetry"`
}

// Trust returns the relationship-score thresholds used to derive a
// person's trust tier (spec.md §3).
func (c *Config) Trust() person.Thresholds { return c.Proactive.Thresholds }

// ProviderConfig selects and configures the one LLM backend the gateway
// talks to. Kind selects which of Anthropic/OpenAI/DashScope is built;
// the remaining fields are shared by all three.
type ProviderConfig struct {
	Kind         string `json:"kind"` // "anthropic", "openai", or "dashscope"
	APIKey       string `json:"api_key"`
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model"`
	FastModel    string `json:"fast_model"`

	// EmbedderDims sizes the local hash-based embedder that NewBackend
	// always wires; no provider-side embedder is used. The memory store
	// zero-pads shorter stored vectors and never truncates.
	EmbedderDims int `json:"embedder_dims"`
}

// ChannelsConfig holds every transport's own corner of config, each
// embedding the shared channels.Policy for DM/group acceptance rules.
type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Signal   *SignalConfig   `json:"signal,omitempty"`
	CLI      *CLIConfig      `json:"cli,omitempty"`
}

type TelegramConfig struct {
	Token          string          `json:"token"`
	RequireMention bool            `json:"require_mention"`
	Policy         channels.Policy `json:"policy"`
}

type DiscordConfig struct {
	Token          string          `json:"token"`
	RequireMention bool            `json:"require_mention"`
	Policy         channels.Policy `json:"policy"`
}

type SignalConfig struct {
	WSURL   string          `json:"ws_url"`
	Account string          `json:"account"`
	Policy  channels.Policy `json:"policy"`
}

// CLIConfig enables the operator console. Enabled defaults true in
// Default() since it has no external dependency and is the cheapest way
// to exercise the gateway end to end.
type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// ToChannelConfig adapts a *TelegramConfig into the telegram package's
// own Config, so callers in cmd/ don't need to know that package's shape.
func (c *TelegramConfig) ToChannelConfig() telegram.Config {
	return telegram.Config{Token: c.Token, RequireMention: c.RequireMention, Policy: c.Policy}
}

func (c *DiscordConfig) ToChannelConfig() discord.Config {
	return discord.Config{Token: c.Token, RequireMention: c.RequireMention, Policy: c.Policy}
}

func (c *SignalConfig) ToChannelConfig() signalcli.Config {
	return signalcli.Config{WSURL: c.WSURL, Account: c.Account, Policy: c.Policy}
}

// Default returns the gateway's built-in defaults, matching the
// per-package DefaultConfig() constructors so a freshly `init`ed config
// behaves identically to a zero-config library caller.
func Default() *Config {
	return &Config{
		DataDir: "~/.friend",
		Provider: ProviderConfig{
			Kind:         "anthropic",
			DefaultModel: "claude-sonnet-4-5",
			FastModel:    "claude-haiku-4-5",
			EmbedderDims: 256,
		},
		Channels: ChannelsConfig{
			CLI: &CLIConfig{Enabled: true},
		},
		RateLimit:  ratelimit.DefaultConfig(),
		Behavior:   behavior.DefaultConfig(),
		Context:    ctxbuild.DefaultConfig(),
		Generation: generation.DefaultConfig(),
		TurnEngine: turnengine.DefaultConfig(),
		Proactive:  proactive.DefaultConfig(),
		Telemetry:  telemetry.Config{Enabled: false},
	}
}

// NewBackend builds the providers.LLMBackend selected by cfg.Provider,
// always wiring a HashEmbedder sized by EmbedderDims (Default() sets
// 256; a zero value degrades to providers' own 32-dim default rather
// than a nil Embedder).
func (c *Config) NewBackend() (*providers.ProviderBackend, error) {
	p := c.Provider
	var backend providers.Provider
	switch p.Kind {
	case "anthropic":
		opts := []providers.AnthropicOption{}
		if p.DefaultModel != "" {
			opts = append(opts, providers.WithAnthropicModel(p.DefaultModel))
		}
		backend = providers.NewAnthropicProvider(p.APIKey, opts...)
	case "openai":
		backend = providers.NewOpenAIProvider("openai", p.APIKey, p.APIBase, p.DefaultModel)
	case "dashscope":
		backend = providers.NewDashScopeProvider(p.APIKey, p.APIBase, p.DefaultModel)
	default:
		return nil, fmt.Errorf("config: unknown provider kind %q", p.Kind)
	}
	embedder := providers.NewHashEmbedder(p.EmbedderDims)
	return providers.NewProviderBackend(backend, p.DefaultModel, p.FastModel, embedder), nil
}
