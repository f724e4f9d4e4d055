package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestReloader_Current(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 9999

	r := NewReloader("", "", cfg)
	if got := r.Current(); got.Gateway.Port != 9999 {
		t.Errorf("Current().Gateway.Port = %d, want 9999", got.Gateway.Port)
	}
}

func TestReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	configPath := filepath.Join(dir, "config.jsonc")

	if err := os.WriteFile(dotenvPath, []byte("WORKSPACE_REMOTE=initial\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	configContent := `{
		"agent": {"workspace_root": "./ws"},
		"git": {"remote_url": "${{ .Env.WORKSPACE_REMOTE }}"}
	}`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	initial := Default()
	r := NewReloader(configPath, dotenvPath, initial)

	var callCount atomic.Int32
	r.OnReload(func(cfg *Config) {
		callCount.Add(1)
	})

	if err := os.WriteFile(dotenvPath, []byte("WORKSPACE_REMOTE=reloaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := r.Current()
	if got == initial {
		t.Error("Current() still returns initial config after reload")
	}
	if got.Git.RemoteURL != "reloaded" {
		t.Errorf("remote_url = %q, want re-expanded env value", got.Git.RemoteURL)
	}
	if callCount.Load() != 1 {
		t.Errorf("listener called %d times, want 1", callCount.Load())
	}
}

func TestReloader_ReloadMissingDotenv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	dotenvPath := filepath.Join(dir, ".env") // does not exist

	if err := os.WriteFile(configPath, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReloader(configPath, dotenvPath, Default())
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload with missing .env: %v", err)
	}
}
