package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nclaude/nclaude/internal/cli"
	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/room"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send a message to the room",
		Long: `Send a message to the room.

A leading @session addresses the message to one reader; everything else
is visible to everyone. The sender's own read position does not move.

Examples:
  nclaude send "starting on the parser"
  nclaude send "@repo-feature-x please review" --type TASK
  nclaude send "done" --to reviewer --type REPLY`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typeFlag, _ := cmd.Flags().GetString("type")
			to, _ := cmd.Flags().GetString("to")

			typ, err := message.ParseType(typeFlag)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			content := strings.Join(args, " ")
			if to == "" {
				var target string
				content, target = message.SplitRecipient(content)
				to = target
			}
			rc, err := e.room.Send(cmd.Context(), e.cfg.Session, content, typ, e.cfg.Resolve(to))
			if err != nil {
				return err
			}
			return emit(rc, cli.FormatReceipt(rc))
		},
	}

	cmd.Flags().StringP("type", "t", "MSG", "Message type (MSG, TASK, REPLY, STATUS, URGENT, ERROR)")
	cmd.Flags().String("to", "", "Recipient session id or alias")
	return cmd
}

func readCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read new messages and mark them as seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			typeFlag, _ := cmd.Flags().GetString("type")
			forMe, _ := cmd.Flags().GetBool("for-me")

			opts := room.ReadOptions{All: all, Limit: limit, ForMe: forMe, Quiet: flagQuiet}
			if typeFlag != "" {
				typ, err := message.ParseType(typeFlag)
				if err != nil {
					return err
				}
				opts.Type = typ
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			batch, err := e.room.Read(cmd.Context(), e.cfg.Session, opts)
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}
			if flagJSON {
				return cli.WriteJSON(os.Stdout, batch)
			}
			fmt.Print(cli.FormatBatch(batch, useColor()))
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "Read the whole history instead of unread messages")
	cmd.Flags().IntP("limit", "n", 0, "Maximum number of messages (0 = no limit)")
	cmd.Flags().String("type", "", "Only show messages of this type")
	cmd.Flags().Bool("for-me", false, "Only show broadcasts and messages addressed to me")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show pending messages flagged by a watcher, then new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			forMe, _ := cmd.Flags().GetBool("for-me")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.room.Check(cmd.Context(), e.cfg.Session, forMe)
			if err != nil {
				return err
			}
			if flagJSON {
				return cli.WriteJSON(os.Stdout, res)
			}
			if res.Total == 0 && flagQuiet {
				return nil
			}
			fmt.Print(cli.FormatCheck(res, useColor()))
			return nil
		},
	}

	cmd.Flags().Bool("for-me", false, "Only show broadcasts and messages addressed to me")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Consume the pending marker left by a watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			p, err := e.room.Pending(cmd.Context(), e.cfg.Session)
			if err != nil {
				return err
			}
			if flagJSON {
				return cli.WriteJSON(os.Stdout, p)
			}
			if !p.Pending && flagQuiet {
				return nil
			}
			fmt.Print(cli.FormatPending(p, useColor()))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show room status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.room.Status(cmd.Context())
			if err != nil {
				return err
			}
			return emit(st, cli.FormatStatus(st, e.cfg.Session))
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every message, cursor and pending marker in the room",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.room.Clear(cmd.Context()); err != nil {
				return err
			}
			result := map[string]any{"cleared": true, "project": e.room.Name()}
			return emit(result, fmt.Sprintf("Cleared room %s\n", e.room.Name()))
		},
	}
}

func waitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a new message arrives, then read it",
		Long: `Block until this session has unread messages, then read them.

The timeout is capped at 300 seconds. Exits with an error on timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetInt("timeout")
			interval, _ := cmd.Flags().GetInt("interval")
			forMe, _ := cmd.Flags().GetBool("for-me")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if !cmd.Flags().Changed("timeout") && e.cfg.File.Wait.TimeoutSeconds > 0 {
				timeout = e.cfg.File.Wait.TimeoutSeconds
			}
			if !cmd.Flags().Changed("interval") && e.cfg.File.Wait.IntervalSeconds > 0 {
				interval = e.cfg.File.Wait.IntervalSeconds
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := e.room.Wait(ctx, e.cfg.Session, room.WaitOptions{
				Timeout:  time.Duration(timeout) * time.Second,
				Interval: time.Duration(interval) * time.Second,
				ForMe:    forMe,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return cli.WriteJSON(os.Stdout, res.Batch)
			}
			fmt.Print(cli.FormatBatch(res.Batch, useColor()))
			return nil
		},
	}

	cmd.Flags().Int("timeout", 300, "Seconds to wait (max 300)")
	cmd.Flags().Int("interval", 1, "Seconds between polls")
	cmd.Flags().Bool("for-me", false, "Only wake for broadcasts and messages addressed to me")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the room and flag new messages as pending for readers",
		Long: `Print messages as they are appended, until interrupted.

Every poll that sees new messages records a pending range for each
reader that has not read them yet, so 'nclaude check' or 'nclaude
pending' can pick them up. Watching moves no read position.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetInt("interval")
			history, _ := cmd.Flags().GetInt("history")
			noMark, _ := cmd.Flags().GetBool("no-mark")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !flagQuiet && !flagJSON {
				fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", e.room.Name())
			}

			color := useColor()
			enc := json.NewEncoder(os.Stdout)
			return e.room.Watch(ctx, room.WatchOptions{
				Interval:    time.Duration(interval) * time.Second,
				History:     history,
				MarkPending: !noMark,
				OnMarked: func(readers []string) {
					e.logger.Debug("marked pending", "readers", readers)
				},
			}, func(m message.Message) error {
				if flagJSON {
					return enc.Encode(m)
				}
				_, err := fmt.Print(cli.FormatMessages([]message.Message{m}, color))
				return err
			})
		},
	}

	cmd.Flags().Int("interval", 1, "Seconds between polls")
	cmd.Flags().Int("history", 10, "Recent messages to show before tailing")
	cmd.Flags().Bool("no-mark", false, "Do not record pending ranges")
	return cmd
}

func broadcastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast MESSAGE...",
		Short: "Send a human broadcast to every session or to @named ones",
		Long: `Send a BROADCAST as HUMAN.

Leading @session tokens pick the recipients, each getting its own copy.
Without targets (or with @all) one message reaches everyone.

Examples:
  nclaude broadcast "stop and commit your work"
  nclaude broadcast @repo-main @repo-dev "rebase on main"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.room.Broadcast(cmd.Context(), strings.Join(args, " "), e.cfg.Resolve)
			if err != nil {
				return err
			}
			return emit(res, cli.FormatBroadcast(res))
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the resolved session, room and storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			w := &cli.Whoami{
				Session:  e.cfg.Session,
				Room:     e.room.Name(),
				BaseDir:  e.cfg.Layout.BaseDir(),
				Backend:  e.cfg.Backend,
				Location: e.backend.Location(e.room.Name()),
				Repo:     e.cfg.Git.Repo,
				Branch:   e.cfg.Git.Branch,
				Global:   e.cfg.Global,
			}
			return emit(w, cli.FormatWhoami(w))
		},
	}
}

func aliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias [NAME] [TARGET]",
		Short: "List, set or remove @mention aliases",
		Long: `Manage aliases stored in ~/.nclaude/aliases.json.

  nclaude alias                 list aliases
  nclaude alias k               alias @k to the current session
  nclaude alias k repo-feature  alias @k to repo-feature
  nclaude alias k --delete      remove @k`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			del, _ := cmd.Flags().GetBool("delete")

			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			switch {
			case len(args) == 0:
				return emit(cfg.Aliases, cli.FormatAliases(cfg.Aliases))
			case del:
				ok, err := cfg.DeleteAlias(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("alias @%s not found", strings.TrimPrefix(args[0], "@"))
				}
				result := map[string]any{"deleted": args[0]}
				return emit(result, fmt.Sprintf("Removed @%s\n", strings.TrimPrefix(args[0], "@")))
			default:
				target := ""
				if len(args) == 2 {
					target = args[1]
				}
				resolved, err := cfg.SetAlias(args[0], target)
				if err != nil {
					return err
				}
				name := strings.TrimPrefix(args[0], "@")
				result := map[string]string{"alias": name, "target": resolved}
				return emit(result, fmt.Sprintf("@%s -> %s\n", name, resolved))
			}
		},
	}

	cmd.Flags().Bool("delete", false, "Remove the alias")
	return cmd
}
