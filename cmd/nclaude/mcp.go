package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	nclaudemcp "github.com/nclaude/nclaude/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server integration",
	}

	cmd.AddCommand(mcpServeCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start MCP stdio server for room messaging",
		Long: `Starts an MCP server on stdin/stdout that exposes the room as tools
(send_message, read_messages, check_messages, room_status,
wait_for_message). The hub is not required.

Configure in .mcp.json:
  {
    "mcpServers": {
      "nclaude": {
        "type": "stdio",
        "command": "nclaude",
        "args": ["mcp", "serve"]
      }
    }
  }`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPServe(cmd.Context())
		},
	}
}

func runMCPServe(ctx context.Context) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	server, err := nclaudemcp.NewServer(e.room, e.cfg.Session,
		nclaudemcp.WithVersion(Version),
		nclaudemcp.WithAliases(e.cfg.Aliases),
		nclaudemcp.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Blocks on stdio until the client disconnects.
	return server.Run(ctx)
}
