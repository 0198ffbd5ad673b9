package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nclaude/nclaude/internal/identity"
	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/room"
)

const defaultReadLimit = 50

func (s *Server) handleSendMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SendMessageInput,
) (*gomcp.CallToolResult, SendMessageOutput, error) {
	if input.Content == "" {
		return nil, SendMessageOutput{}, fmt.Errorf("'content' is required")
	}
	typ, err := message.ParseType(input.Type)
	if err != nil {
		return nil, SendMessageOutput{}, err
	}
	if typ == message.TypeBroadcast {
		return nil, SendMessageOutput{}, fmt.Errorf("BROADCAST is reserved for human broadcasts")
	}

	rc, err := s.room.Send(ctx, s.session, input.Content, typ, identity.ResolveTarget(input.To, s.aliases))
	if err != nil {
		return nil, SendMessageOutput{}, fmt.Errorf("send message: %w", err)
	}
	s.logger.Debug("mcp send", "id", rc.ID, "to", rc.To)

	return nil, SendMessageOutput{
		ID:        rc.ID,
		Type:      string(rc.Type),
		To:        rc.To,
		Timestamp: rc.Timestamp,
	}, nil
}

func (s *Server) handleReadMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ReadMessagesInput,
) (*gomcp.CallToolResult, ReadMessagesOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	var typ message.Type
	if input.Type != "" {
		t, err := message.ParseType(input.Type)
		if err != nil {
			return nil, ReadMessagesOutput{}, err
		}
		typ = t
	}

	batch, err := s.room.Read(ctx, s.session, room.ReadOptions{
		All:   input.All,
		Limit: limit,
		Type:  typ,
		ForMe: input.ForMe,
	})
	if err != nil {
		return nil, ReadMessagesOutput{}, fmt.Errorf("read messages: %w", err)
	}

	out := ReadMessagesOutput{
		Status:   "empty",
		Messages: toInfos(batch.Messages),
		NewCount: batch.NewCount,
		Total:    batch.Total,
	}
	if len(out.Messages) > 0 {
		out.Status = "messages"
	}
	return nil, out, nil
}

func (s *Server) handleCheckMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input CheckMessagesInput,
) (*gomcp.CallToolResult, CheckMessagesOutput, error) {
	res, err := s.room.Check(ctx, s.session, input.ForMe)
	if err != nil {
		return nil, CheckMessagesOutput{}, fmt.Errorf("check messages: %w", err)
	}

	out := CheckMessagesOutput{
		Status:  "empty",
		Pending: toInfos(res.PendingMessages),
		New:     toInfos(res.NewMessages),
		Total:   res.Total,
	}
	if res.Total > 0 {
		out.Status = "messages"
	}
	return nil, out, nil
}

func (s *Server) handleRoomStatus(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	_ RoomStatusInput,
) (*gomcp.CallToolResult, RoomStatusOutput, error) {
	st, err := s.room.Status(ctx)
	if err != nil {
		return nil, RoomStatusOutput{}, fmt.Errorf("room status: %w", err)
	}
	readers := st.Readers
	if readers == nil {
		readers = []string{}
	}
	return nil, RoomStatusOutput{
		Room:         st.Room,
		Session:      s.session,
		MessageCount: st.MessageCount,
		Readers:      readers,
		Location:     st.Location,
	}, nil
}

func (s *Server) handleWaitForMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input WaitForMessageInput,
) (*gomcp.CallToolResult, WaitForMessageOutput, error) {
	timeout := time.Duration(input.Timeout) * time.Second
	start := time.Now()

	res, err := s.room.Wait(ctx, s.session, room.WaitOptions{Timeout: timeout, ForMe: input.ForMe})
	if errors.Is(err, room.ErrTimeout) {
		return nil, WaitForMessageOutput{
			Status:        "timeout",
			WaitedSeconds: int(time.Since(start).Seconds()),
		}, nil
	}
	if err != nil {
		return nil, WaitForMessageOutput{}, fmt.Errorf("wait for message: %w", err)
	}

	return nil, WaitForMessageOutput{
		Status:        "message_received",
		Messages:      toInfos(res.Messages),
		WaitedSeconds: int(res.Waited.Seconds()),
	}, nil
}

func toInfos(msgs []message.Message) []MessageInfo {
	out := make([]MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageInfo{
			ID:        m.ID,
			From:      m.Sender,
			Type:      string(m.Type),
			To:        m.Recipient,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out
}
