package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads path as JSON5, overlaying it onto Default(). A missing file
// is not an error: Load returns Default() with env overrides applied, so
// `friend start` works from bare environment variables alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			cfg.DataDir = ExpandHome(cfg.DataDir)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.DataDir = ExpandHome(cfg.DataDir)
	return cfg, nil
}

// ApplyEnvOverrides overlays provider secrets from the environment onto
// cfg. Env vars win over file values — the teacher's own rule for
// keeping API keys out of a committed config file.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("FRIEND_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("FRIEND_PROVIDER_API_BASE", &c.Provider.APIBase)
	envStr("FRIEND_DATA_DIR", &c.DataDir)

	if c.Channels.Telegram != nil {
		envStr("FRIEND_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	}
	if c.Channels.Discord != nil {
		envStr("FRIEND_DISCORD_TOKEN", &c.Channels.Discord.Token)
	}
	if c.Channels.Signal != nil {
		envStr("FRIEND_SIGNAL_WS_URL", &c.Channels.Signal.WSURL)
		envStr("FRIEND_SIGNAL_ACCOUNT", &c.Channels.Signal.Account)
	}
	if v := os.Getenv("FRIEND_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
}

// Save writes cfg to path as indented JSON (JSON5 is a read format only;
// the teacher's own Save does the same — round-tripping through plain
// JSON keeps a written config file re-parseable by any JSON5 reader).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a truncated SHA-256 digest (first 8 bytes, hex) of cfg's
// JSON encoding; configs with equal content hash equal.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
