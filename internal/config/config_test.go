package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Kind != "anthropic" {
		t.Errorf("Provider.Kind = %q, want anthropic", cfg.Provider.Kind)
	}
	if cfg.RateLimit.GlobalCapacity == 0 {
		t.Error("expected non-zero default rate limit capacity")
	}
}

func TestLoad_JSON5OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "friend.json5")
	body := `{
		// trailing commas and comments are valid JSON5
		provider: { kind: "openai", default_model: "gpt-4o" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Kind != "openai" || cfg.Provider.DefaultModel != "gpt-4o" {
		t.Errorf("provider overlay = %+v", cfg.Provider)
	}
	// Fields untouched by the file keep Default()'s values.
	if cfg.RateLimit.GlobalCapacity != Default().RateLimit.GlobalCapacity {
		t.Error("overlay should not clobber unspecified sections")
	}
}

func TestApplyEnvOverrides_WinsOverFile(t *testing.T) {
	t.Setenv("FRIEND_PROVIDER_API_KEY", "env-key")
	cfg := Default()
	cfg.Provider.APIKey = "file-key"
	cfg.ApplyEnvOverrides()
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Provider.APIKey)
	}
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "friend.json5")
	cfg := Default()
	cfg.Provider.APIKey = "secret"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Provider.APIKey != "secret" {
		t.Errorf("APIKey after round trip = %q", loaded.Provider.APIKey)
	}
}

func TestHash_ChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Error("two default configs should hash equal")
	}
	b.Provider.APIKey = "different"
	if a.Hash() == b.Hash() {
		t.Error("differing configs should hash differently")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct{ in, want string }{
		{"~/.friend", home + "/.friend"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
