// Package config loads server configuration from defaults, an optional TOML
// file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Launcher names accepted by the launcher key.
const (
	LauncherCredential = "credential"
	LauncherSudo       = "sudo"
)

// Config holds server configuration.
type Config struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	StaticDir string `toml:"static_dir"`

	// DBPath is the SQLite session registry. Empty keeps sessions in memory.
	DBPath string `toml:"db_path"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	MaxSessions     int           `toml:"max_sessions"`
	ReplayCapacity  int           `toml:"replay_capacity"`
	KillGrace       time.Duration `toml:"kill_grace"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	PTYCols    int    `toml:"pty_cols"`
	PTYRows    int    `toml:"pty_rows"`
	Shell      string `toml:"shell"`
	LoginShell bool   `toml:"login_shell"`
	Launcher   string `toml:"launcher"`

	ViewerQueue int `toml:"viewer_queue"`

	WatchFiles    bool          `toml:"watch_files"`
	WatchDebounce time.Duration `toml:"watch_debounce"`

	// AllowedHomePrefix limits the identities offered by users.list.
	AllowedHomePrefix string `toml:"allowed_home_prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              3456,
		DBPath:            "./sessions.db",
		LogLevel:          "info",
		MaxSessions:       10,
		ReplayCapacity:    1000,
		KillGrace:         5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		PTYCols:           80,
		PTYRows:           24,
		Shell:             "/bin/sh",
		Launcher:          LauncherCredential,
		ViewerQueue:       256,
		WatchFiles:        true,
		WatchDebounce:     500 * time.Millisecond,
		AllowedHomePrefix: "/home/",
	}
}

// DefaultPath returns the default config file path (~/.config/ptyhub/config.toml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ptyhub", "config.toml"), nil
}

// Load returns the defaults overlaid with the TOML file at path (if it
// exists) and then with environment variables. An empty path means
// DefaultPath. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. PORT, MAX_SESSIONS
// and STATIC_DIR are honored alongside their PTYHUB_ prefixed forms.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := get("PTYHUB_HOST", "HOST"); ok {
		c.Host = v
	}
	if v, ok := get("PTYHUB_STATIC_DIR", "STATIC_DIR"); ok {
		c.StaticDir = v
	}
	if v, ok := get("PTYHUB_DB_PATH", "DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := get("PTYHUB_LOG_LEVEL", "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("PTYHUB_LOG_FILE"); ok {
		c.LogFile = v
	}
	if v, ok := get("PTYHUB_SHELL"); ok {
		c.Shell = v
	}
	if v, ok := get("PTYHUB_LAUNCHER"); ok {
		c.Launcher = v
	}

	ints := []struct {
		keys []string
		dst  *int
	}{
		{[]string{"PTYHUB_PORT", "PORT"}, &c.Port},
		{[]string{"PTYHUB_MAX_SESSIONS", "MAX_SESSIONS"}, &c.MaxSessions},
		{[]string{"PTYHUB_REPLAY_CAPACITY", "SESSION_OUTPUT_BUFFER_SIZE"}, &c.ReplayCapacity},
		{[]string{"PTYHUB_PTY_COLS", "PTY_COLS"}, &c.PTYCols},
		{[]string{"PTYHUB_PTY_ROWS", "PTY_ROWS"}, &c.PTYRows},
		{[]string{"PTYHUB_VIEWER_QUEUE"}, &c.ViewerQueue},
	}
	for _, e := range ints {
		v, ok := get(e.keys...)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.keys[0], err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PTYHUB_KILL_GRACE", &c.KillGrace},
		{"PTYHUB_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"PTYHUB_WATCH_DEBOUNCE", &c.WatchDebounce},
	}
	for _, e := range durations {
		v, ok := get(e.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}

	if v, ok := get("PTYHUB_WATCH_FILES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PTYHUB_WATCH_FILES: %w", err)
		}
		c.WatchFiles = b
	}
	if v, ok := get("PTYHUB_LOGIN_SHELL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PTYHUB_LOGIN_SHELL: %w", err)
		}
		c.LoginShell = b
	}

	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port out of range: %d", c.Port)
	case c.MaxSessions <= 0:
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	case c.ReplayCapacity <= 0:
		return fmt.Errorf("replay_capacity must be positive, got %d", c.ReplayCapacity)
	case c.KillGrace <= 0:
		return fmt.Errorf("kill_grace must be positive, got %s", c.KillGrace)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	case c.PTYCols <= 0 || c.PTYRows <= 0:
		return fmt.Errorf("pty size must be positive, got %dx%d", c.PTYCols, c.PTYRows)
	case c.ViewerQueue <= 0:
		return fmt.Errorf("viewer_queue must be positive, got %d", c.ViewerQueue)
	case c.Shell == "":
		return errors.New("shell is required")
	}

	switch c.Launcher {
	case LauncherCredential, LauncherSudo:
	default:
		return fmt.Errorf("unknown launcher %q (want %q or %q)", c.Launcher, LauncherCredential, LauncherSudo)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
