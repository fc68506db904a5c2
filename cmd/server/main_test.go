package main

import (
	"testing"

	"github.com/spf13/cobra"

	"ptyhub/internal/config"
	"ptyhub/internal/identity"
)

func TestApplyFlags_OnlyChanged(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addServeFlags(cmd)
	if err := cmd.ParseFlags([]string{"--port", "9000", "--db="}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	applyFlags(cmd, &cfg)

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.DBPath != "" {
		t.Errorf("expected empty db path, got %q", cfg.DBPath)
	}
	if cfg.Host != config.Default().Host {
		t.Errorf("unset flag changed host to %q", cfg.Host)
	}
	if cfg.MaxSessions != config.Default().MaxSessions {
		t.Errorf("unset flag changed max sessions to %d", cfg.MaxSessions)
	}
}

func TestNewLauncher(t *testing.T) {
	cfg := config.Default()
	if _, ok := newLauncher(cfg).(*identity.CredentialLauncher); !ok {
		t.Error("expected credential launcher by default")
	}

	cfg.Launcher = config.LauncherSudo
	l, ok := newLauncher(cfg).(*identity.SudoLauncher)
	if !ok {
		t.Fatal("expected sudo launcher")
	}
	if l.Shell.Path != cfg.Shell {
		t.Errorf("expected shell %s, got %s", cfg.Shell, l.Shell.Path)
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "sessions", "users"} {
		if c, _, err := rootCmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("expected %s subcommand", name)
		}
	}
}
