// Package config resolves the settings every command runs with. The entry
// point gathers flags and environment values and calls Load once; nothing
// below the entry point reads the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nclaude/nclaude/internal/hub"
	"github.com/nclaude/nclaude/internal/identity"
	"github.com/nclaude/nclaude/internal/paths"
	"github.com/nclaude/nclaude/internal/storage"
)

// Environment variables consulted by Load through its lookup function.
const (
	EnvDir     = "NCLAUDE_DIR"
	EnvSession = "NCLAUDE_ID"
	EnvBackend = "NCLAUDE_BACKEND"
)

// File is the optional ~/.nclaude/config.yaml.
type File struct {
	// Dir is a room base directory, used when neither --dir nor NCLAUDE_DIR
	// is given.
	Dir     string     `yaml:"dir"`
	Session string     `yaml:"session"`
	Backend string     `yaml:"backend"`
	Hub     HubConfig  `yaml:"hub"`
	Log     LogConfig  `yaml:"log"`
	Wait    WaitConfig `yaml:"wait"`
}

// HubConfig holds hub process settings.
type HubConfig struct {
	// WSAddr enables the WebSocket bridge on a loopback address.
	WSAddr    string              `yaml:"ws_addr"`
	RateLimit hub.RateLimitConfig `yaml:"rate_limit"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// WaitConfig holds polling defaults for wait and watch.
type WaitConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Overrides are the command-line flags that take precedence over
// everything else. Empty fields do not override.
type Overrides struct {
	Dir     string
	Session string
	Backend string
	Global  bool
}

// Config is the resolved configuration.
type Config struct {
	Home    string
	Layout  paths.Layout
	Session string
	Backend string
	Global  bool
	Git     identity.GitInfo
	File    File
	Aliases map[string]string
}

// LoadFile reads a YAML config file. A missing file yields the zero File.
func LoadFile(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the user's home directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return f, nil
}

// Validate checks values that would otherwise fail much later.
func (f *File) Validate() error {
	if f.Backend != "" && !validBackend(f.Backend) {
		return fmt.Errorf("backend %q is not one of log, sqlite", f.Backend)
	}
	if f.Hub.RateLimit.MessagesPerSecond < 0 {
		return fmt.Errorf("hub.rate_limit.messages_per_second cannot be negative")
	}
	if f.Hub.RateLimit.BurstSize < 0 {
		return fmt.Errorf("hub.rate_limit.burst_size cannot be negative")
	}
	if f.Wait.TimeoutSeconds < 0 || f.Wait.IntervalSeconds < 0 {
		return fmt.Errorf("wait durations cannot be negative")
	}
	if f.Log.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(f.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}

// Save writes f as YAML, creating the directory if needed.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func validBackend(kind string) bool {
	switch strings.ToLower(kind) {
	case storage.KindLog, storage.KindSQLite, "file", "sql":
		return true
	}
	return false
}

// Load resolves the configuration for a command run in cwd. Precedence is
// flags, then the environment (read through getenv), then the config file,
// then git-derived defaults.
func Load(ctx context.Context, home, cwd string, flags Overrides, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	file, err := LoadFile(paths.ConfigFile(home))
	if err != nil {
		return nil, err
	}
	aliases, err := LoadAliases(paths.AliasesFile(home))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Home:    home,
		Global:  flags.Global,
		Git:     identity.DetectGit(ctx, cwd),
		File:    *file,
		Aliases: aliases,
	}

	cfg.Layout = resolveLayout(ctx, cfg, flags, getenv(EnvDir))

	cfg.Session = firstNonEmpty(flags.Session, getenv(EnvSession), file.Session)
	if cfg.Session == "" {
		cfg.Session = identity.SessionID(cfg.Git)
	}
	if err := identity.ValidateSessionID(cfg.Session); err != nil {
		return nil, err
	}

	cfg.Backend = strings.ToLower(firstNonEmpty(flags.Backend, getenv(EnvBackend), file.Backend, storage.KindLog))
	if !validBackend(cfg.Backend) {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, cfg.Backend)
	}
	return cfg, nil
}

// resolveLayout picks the room. A --dir value without a slash names a room
// under the temp root; a path names the room after the repository (or
// directory) it points to.
func resolveLayout(ctx context.Context, cfg *Config, flags Overrides, envDir string) paths.Layout {
	switch {
	case flags.Global:
		return paths.Global(cfg.Home)
	case flags.Dir != "":
		if !strings.ContainsRune(flags.Dir, '/') {
			return paths.Project(flags.Dir)
		}
		return paths.Project(identity.RepoName(ctx, flags.Dir))
	case envDir != "":
		return paths.FromBaseDir(envDir)
	case cfg.File.Dir != "":
		return paths.FromBaseDir(cfg.File.Dir)
	case cfg.Git.InRepo():
		return paths.Project(cfg.Git.Repo)
	default:
		return paths.FromBaseDir(paths.TempRoot)
	}
}

// Resolve maps an @mention target to a session id using the aliases.
func (c *Config) Resolve(target string) string {
	return identity.ResolveTarget(target, c.Aliases)
}

// LogLevel returns the configured level, defaulting to warn.
func (c *Config) LogLevel() slog.Level {
	lvl := slog.LevelWarn
	if c.File.Log.Level != "" {
		_ = lvl.UnmarshalText([]byte(c.File.Log.Level))
	}
	return lvl
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
