// Package mcp exposes room operations as tools on a stdio MCP server, so an
// agent can message its peers without shelling out to the CLI.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nclaude/nclaude/internal/room"
)

// Server is the nclaude MCP server bound to one room and session.
type Server struct {
	room    *room.Room
	session string
	version string
	aliases map[string]string
	logger  *slog.Logger
	server  *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithAliases sets the alias table used to resolve send_message recipients.
func WithAliases(aliases map[string]string) Option {
	return func(s *Server) {
		s.aliases = aliases
	}
}

// WithLogger sets the logger used for tool calls.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server that acts as session in r.
func NewServer(r *room.Room, session string, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("mcp server needs a room")
	}
	if session == "" {
		return nil, errors.New("mcp server needs a session id")
	}

	s := &Server{
		room:    r,
		session: session,
		version: "dev",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "nclaude",
			Version: s.version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdin/stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server started", "room", s.room.Name(), "session", s.session)
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_message",
		Description: "Send a message to the room. Use to=<session> (or start the content with @session) to address one peer; leave it empty to reach everyone",
	}, s.handleSendMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "read_messages",
		Description: "Read messages this session has not seen yet and mark them as read. Use all=true for the full history",
	}, s.handleReadMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "check_messages",
		Description: "Return pending messages flagged by a watcher followed by any other unread messages",
	}, s.handleCheckMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "room_status",
		Description: "Show the room name, message count and the sessions that have read it",
	}, s.handleRoomStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "wait_for_message",
		Description: "Block until a new message arrives or the timeout expires, then read it",
	}, s.handleWaitForMessage)
}
