package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nclaude/nclaude/internal/cli"
	"github.com/nclaude/nclaude/internal/hub"
	"github.com/nclaude/nclaude/internal/message"
)

const (
	hubStartTimeout = 5 * time.Second
	hubStopTimeout  = 10 * time.Second
	reconnectDelay  = 500 * time.Millisecond
)

func hubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Manage the real-time message hub",
		Long: `The hub routes messages between connected sessions over a Unix socket.

A message mentioning @session is delivered live to that session; a
message without mentions (or with @all) reaches every other session.
Everything routed is also written to the room, so offline sessions
catch up with 'nclaude read'.`,
	}

	cmd.AddCommand(hubStartCmd())
	cmd.AddCommand(hubRunCmd())
	cmd.AddCommand(hubStopCmd())
	cmd.AddCommand(hubStatusCmd())
	cmd.AddCommand(hubSendCmd())
	cmd.AddCommand(hubListCmd())
	cmd.AddCommand(hubListenCmd())
	cmd.AddCommand(hubInboxCmd())
	return cmd
}

func hubStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			foreground, _ := cmd.Flags().GetBool("foreground")
			wsAddr, _ := cmd.Flags().GetString("ws")
			if foreground {
				return runHub(cmd.Context(), wsAddr)
			}

			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			layout := cfg.Layout

			st, err := hub.ReadStatus(layout.PIDFile(), layout.LockFile())
			if err != nil {
				return fmt.Errorf("check hub status: %w", err)
			}
			if st.Running {
				return fmt.Errorf("hub is already running (PID %d) for room %s", st.Info.PID, st.Info.Room)
			}

			if err := spawnHub(wsAddr); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), hubStartTimeout)
			defer cancel()
			st, err = waitForHub(ctx, layout.PIDFile(), layout.LockFile())
			if err != nil {
				return err
			}
			return emit(st, fmt.Sprintf("✓ Hub started (PID %d) on %s\n", st.Info.PID, st.Info.SocketPath))
		},
	}

	cmd.Flags().Bool("foreground", false, "Run in the foreground instead of detaching")
	cmd.Flags().String("ws", "", "Also accept WebSocket peers on this loopback address (e.g. 127.0.0.1:8787)")
	return cmd
}

func hubRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the hub in the foreground (internal use)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsAddr, _ := cmd.Flags().GetString("ws")
			return runHub(cmd.Context(), wsAddr)
		},
	}
	cmd.Flags().String("ws", "", "WebSocket listen address")
	return cmd
}

// spawnHub re-executes this binary as a detached "hub run".
func spawnHub(wsAddr string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"hub", "run"}
	args = append(args, forwardedFlags()...)
	if wsAddr != "" {
		args = append(args, "--ws", wsAddr)
	}
	cmd := exec.Command(executable, args...) //nolint:gosec // executable from os.Executable()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start hub process: %w", err)
	}
	// The child is adopted by init once we exit; never Wait on it.
	return cmd.Process.Release()
}

// forwardedFlags repeats the global flags that pick the room and storage.
func forwardedFlags() []string {
	var out []string
	if flagDir != "" {
		out = append(out, "--dir", flagDir)
	}
	if flagGlobal {
		out = append(out, "--global")
	}
	if flagBackend != "" {
		out = append(out, "--backend", flagBackend)
	}
	if flagVerbose {
		out = append(out, "--verbose")
	}
	return out
}

func waitForHub(ctx context.Context, pidFile, lockFile string) (*hub.Status, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := hub.ReadStatus(pidFile, lockFile)
		if err == nil && st.Running {
			if _, err := os.Stat(st.Info.SocketPath); err == nil {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("hub did not start within %s", hubStartTimeout)
		case <-ticker.C:
		}
	}
}

func runHub(ctx context.Context, wsAddr string) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	layout := e.cfg.Layout
	if err := os.MkdirAll(layout.BaseDir(), 0o700); err != nil {
		return fmt.Errorf("create hub directory: %w", err)
	}

	server := hub.NewServer(layout.SocketPath(), e.room,
		hub.WithLogger(e.logger),
		hub.WithRateLimit(e.cfg.File.Hub.RateLimit),
	)

	if wsAddr == "" {
		wsAddr = e.cfg.File.Hub.WSAddr
	}
	var bridge *hub.WSBridge
	if wsAddr != "" {
		bridge = hub.NewWSBridge(wsAddr, server)
	}

	lc := hub.NewLifecycle(server, bridge, layout.PIDFile(), layout.LockFile(), e.room.Name())
	return lc.Run(ctx)
}

func hubStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the hub gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), hubStopTimeout)
			defer cancel()
			if err := hub.Terminate(ctx, cfg.Layout.PIDFile()); err != nil {
				return err
			}
			return emit(map[string]bool{"stopped": true}, "✓ Hub stopped\n")
		},
	}
}

func hubStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show hub status and connected sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			st, err := hub.ReadStatus(cfg.Layout.PIDFile(), cfg.Layout.LockFile())
			if err != nil {
				return err
			}
			if st.Running {
				st.Online = probeOnline(cmd.Context(), st.Info.SocketPath, cfg.Session)
			}

			if err := emit(st, cli.FormatHubStatus(st)); err != nil {
				return err
			}
			// Exit code 1 when the hub is not running (like systemctl status)
			if !st.Running {
				os.Exit(1)
			}
			return nil
		},
	}
}

// probeOnline lists connected sessions under a throwaway session id so a
// live connection of the caller's own session is not replaced.
func probeOnline(ctx context.Context, socketPath, session string) []string {
	probe := session + "-status-" + strconv.Itoa(os.Getpid())
	c, err := hub.Dial(ctx, socketPath, probe)
	if err != nil {
		return nil
	}
	defer func() { _ = c.Close() }()

	clients, err := c.List(ctx)
	if err != nil {
		clients = c.Registered()
	}
	return slices.DeleteFunc(slices.Clone(clients), func(s string) bool { return s == probe })
}

func dialHub(ctx context.Context) (*hub.Client, *env, error) {
	e, err := openEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := hub.Dial(ctx, e.cfg.Layout.SocketPath(), e.cfg.Session,
		hub.WithInbox(e.cfg.Layout.InboxPath(e.cfg.Session)),
		hub.WithClientLogger(e.logger),
	)
	if err != nil {
		e.close()
		if errors.Is(err, hub.ErrHubNotRunning) {
			return nil, nil, fmt.Errorf("%w; start it with: nclaude hub start", err)
		}
		return nil, nil, err
	}
	return c, e, nil
}

func hubSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send a message through the hub",
		Long: `Send a message through the hub. @session mentions anywhere in the
message pick the live recipients; without mentions everyone else gets it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typeFlag, _ := cmd.Flags().GetString("type")
			typ, err := message.ParseType(typeFlag)
			if err != nil {
				return err
			}

			c, e, err := dialHub(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			defer func() { _ = c.Close() }()

			res, err := c.Send(cmd.Context(), strings.Join(args, " "), typ)
			if err != nil {
				return err
			}
			return emit(res, cli.FormatSendResult(res))
		},
	}

	cmd.Flags().StringP("type", "t", "MSG", "Message type (MSG, TASK, REPLY, STATUS, URGENT, ERROR)")
	return cmd
}

func hubListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions connected to the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, e, err := dialHub(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			defer func() { _ = c.Close() }()

			clients, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			return emit(map[string][]string{"clients": clients}, cli.FormatClients(clients))
		},
	}
}

func hubListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print messages as they arrive",
		Long: `Register this session with the hub and print every message routed
to it until interrupted. Received messages are also appended to the
session inbox under the room directory.

The connection is re-established when it drops, for example when a
one-shot 'nclaude hub send' from the same session briefly takes over.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			timeout, _ := cmd.Flags().GetInt("timeout")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
				defer cancel()
			}

			return listen(ctx, count)
		},
	}

	cmd.Flags().IntP("count", "n", 0, "Exit after this many messages (0 = no limit)")
	cmd.Flags().Int("timeout", 0, "Exit after this many seconds (0 = no limit)")
	return cmd
}

func listen(ctx context.Context, count int) error {
	color := useColor()
	received := 0
	for {
		c, e, err := dialHub(ctx)
		if err != nil {
			return err
		}
		e.logger.Debug("listening", "session", c.Session(), "online", c.Registered())

		err = receiveLoop(ctx, c, color, count, &received)
		_ = c.Close()
		e.close()

		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case !errors.Is(err, hub.ErrConnectionLost):
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func hubInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Print and clear messages the hub delivered to this session",
		Long: `Print every message saved to this session's inbox by a hub client
(for example 'nclaude hub listen'), then clear the inbox. Use --keep to
leave the inbox untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetBool("keep")

			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := hub.ReadInbox(cmd.Context(), cfg.Layout.InboxPath(cfg.Session), !keep)
			if err != nil {
				return err
			}

			if flagJSON {
				return cli.WriteJSON(os.Stdout, entries)
			}
			if flagQuiet {
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("Inbox is empty")
				return nil
			}
			color := useColor()
			for _, e := range entries {
				fmt.Print(cli.FormatFrame(e.Frame, color))
			}
			return nil
		},
	}

	cmd.Flags().Bool("keep", false, "Do not clear the inbox")
	return cmd
}

func receiveLoop(ctx context.Context, c *hub.Client, color bool, count int, received *int) error {
	for count == 0 || *received < count {
		f, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		*received++
		if flagJSON {
			if err := cli.WriteJSON(os.Stdout, f); err != nil {
				return err
			}
			continue
		}
		fmt.Print(cli.FormatFrame(f, color))
	}
	return nil
}
