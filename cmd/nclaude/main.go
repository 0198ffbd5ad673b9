package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/nclaude/nclaude/internal/cli"
	"github.com/nclaude/nclaude/internal/config"
	"github.com/nclaude/nclaude/internal/room"
	"github.com/nclaude/nclaude/internal/storage"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagDir     string
	flagGlobal  bool
	flagSession string
	flagBackend string
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
	flagNoColor bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nclaude",
		Short: "Message rooms for coding agent sessions",
		Long: `nclaude lets coding agent sessions working in the same repository (or
across repositories with --global) leave messages for each other.

Messages are stored in a per-room append-only log (or SQLite with
--backend sqlite). An optional hub delivers @mentions live over a Unix
socket while still writing everything to the room.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Room name or repository path (or NCLAUDE_DIR env var)")
	rootCmd.PersistentFlags().BoolVar(&flagGlobal, "global", false, "Use the global room in ~/.nclaude")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "Session id (or NCLAUDE_ID env var)")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "Storage backend: log or sqlite (or NCLAUDE_BACKEND env var)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("nclaude v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	// Room operations
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(waitCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(broadcastCmd())

	// Identity
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(aliasCmd())

	// Live delivery and integrations
	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is everything a command needs: resolved config, an open backend and
// the room bound to it.
type env struct {
	cfg     *config.Config
	backend storage.Backend
	room    *room.Room
	logger  *slog.Logger
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return config.Load(ctx, home, cwd, config.Overrides{
		Dir:     flagDir,
		Session: flagSession,
		Backend: flagBackend,
		Global:  flagGlobal,
	}, os.Getenv)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEnv loads config and opens the room. Callers must call close.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(cfg.Backend, cfg.Layout.Root)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &env{
		cfg:     cfg,
		backend: backend,
		room:    room.New(cfg.Layout.Room, backend),
		logger:  newLogger(cfg),
	}, nil
}

func (e *env) close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Warn("close storage", "error", err)
	}
}

func useColor() bool {
	return cli.UseColor(os.Stdout, flagNoColor || flagJSON)
}

// emit prints v as JSON with --json, otherwise text unless --quiet.
func emit(v any, text string) error {
	if flagJSON {
		return cli.WriteJSON(os.Stdout, v)
	}
	if !flagQuiet {
		fmt.Print(text)
	}
	return nil
}
