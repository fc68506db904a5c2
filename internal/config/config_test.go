package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxSessions != 10 {
		t.Errorf("expected max sessions 10, got %d", cfg.MaxSessions)
	}
	if cfg.ReplayCapacity != 1000 {
		t.Errorf("expected replay capacity 1000, got %d", cfg.ReplayCapacity)
	}
	if cfg.KillGrace != 5*time.Second {
		t.Errorf("expected kill grace 5s, got %s", cfg.KillGrace)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown timeout 10s, got %s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
	if cfg.Port != Default().Port {
		t.Errorf("expected default port, got %d", cfg.Port)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
port = 9000
max_sessions = 3
kill_grace = "2s"
launcher = "sudo"
watch_files = false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.MaxSessions != 3 {
		t.Errorf("expected max sessions 3, got %d", cfg.MaxSessions)
	}
	if cfg.KillGrace != 2*time.Second {
		t.Errorf("expected kill grace 2s, got %s", cfg.KillGrace)
	}
	if cfg.Launcher != LauncherSudo {
		t.Errorf("expected sudo launcher, got %s", cfg.Launcher)
	}
	if cfg.WatchFiles {
		t.Error("expected watch_files false")
	}
	// Untouched keys keep defaults.
	if cfg.ReplayCapacity != 1000 {
		t.Errorf("expected default replay capacity, got %d", cfg.ReplayCapacity)
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("port = = 1"), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":                       "8420",
		"PTYHUB_MAX_SESSIONS":        "4",
		"MAX_SESSIONS":               "99",
		"PTYHUB_KILL_GRACE":          "250ms",
		"PTYHUB_WATCH_FILES":         "false",
		"SESSION_OUTPUT_BUFFER_SIZE": "50",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Port)
	}
	// Prefixed form wins over the legacy name.
	if cfg.MaxSessions != 4 {
		t.Errorf("expected max sessions 4, got %d", cfg.MaxSessions)
	}
	if cfg.KillGrace != 250*time.Millisecond {
		t.Errorf("expected kill grace 250ms, got %s", cfg.KillGrace)
	}
	if cfg.WatchFiles {
		t.Error("expected watch files disabled")
	}
	if cfg.ReplayCapacity != 50 {
		t.Errorf("expected replay capacity 50, got %d", cfg.ReplayCapacity)
	}
}

func TestApplyEnv_BadInt(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(envMap(map[string]string{"PORT": "abc"})); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestValidate_Rejects(t *testing.T) {
	mutations := map[string]func(*Config){
		"zero max sessions": func(c *Config) { c.MaxSessions = 0 },
		"zero replay":       func(c *Config) { c.ReplayCapacity = 0 },
		"zero grace":        func(c *Config) { c.KillGrace = 0 },
		"bad port":          func(c *Config) { c.Port = 70000 },
		"empty shell":       func(c *Config) { c.Shell = "" },
		"unknown launcher":  func(c *Config) { c.Launcher = "doas" },
	}
	for name, mutate := range mutations {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1234
	if got := cfg.Addr(); got != "127.0.0.1:1234" {
		t.Errorf("expected 127.0.0.1:1234, got %s", got)
	}
}
