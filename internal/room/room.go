// Package room implements the user-facing operations on a named message
// namespace: send, read with per-reader cursors, status, clear, pending
// notifications and the combined check.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/storage"
)

// HumanSender is the sender id used for messages typed by a person.
const HumanSender = "HUMAN"

var (
	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("no message provided")

	// ErrTimeout is returned by Wait when nothing arrived in time.
	ErrTimeout = errors.New("timed out waiting for messages")
)

// Room binds a name to a storage backend.
type Room struct {
	name    string
	backend storage.Backend
}

// New returns a room backed by b.
func New(name string, b storage.Backend) *Room {
	return &Room{name: name, backend: b}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Backend returns the storage backend.
func (r *Room) Backend() storage.Backend {
	return r.backend
}

// Receipt describes a persisted message.
type Receipt struct {
	Sent      string       `json:"sent"`
	Sender    string       `json:"session"`
	Timestamp string       `json:"timestamp"`
	Type      message.Type `json:"type"`
	To        string       `json:"to,omitempty"`
	ID        int64        `json:"id"`
}

// Send appends a message from sender. Without an explicit recipient, a
// leading "@name " in content addresses the message. The sender's own cursor
// is left untouched, so a sender reads its own messages like anyone else.
func (r *Room) Send(ctx context.Context, sender, content string, typ message.Type, recipient string) (*Receipt, error) {
	if recipient == "" {
		content, recipient = message.SplitRecipient(content)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	m, err := r.SendMessage(ctx, message.New(r.name, sender, content, typ, recipient))
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Sent:      m.Content,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
		Type:      m.Type,
		To:        m.Recipient,
		ID:        m.ID,
	}, nil
}

// SendMessage appends a prepared message, forcing it into this room.
func (r *Room) SendMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, ErrEmptyMessage
	}
	m.Recipient = message.NormalizeRecipient(m.Recipient)
	if err := message.ValidateRecipient(m.Recipient); err != nil {
		return nil, err
	}
	m.Room = r.name
	out, err := r.backend.Append(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", r.name, err)
	}
	return out, nil
}

// ReadOptions controls Read.
type ReadOptions struct {
	// All ignores the cursor and reads from the beginning.
	All bool
	// Quiet makes Read return a nil batch when nothing matched.
	Quiet bool
	// Limit caps the batch. New-message reads keep the oldest unread;
	// All reads keep the most recent.
	Limit int
	Type  message.Type
	// ForMe keeps only broadcasts and messages addressed to the reader.
	ForMe bool
}

// Batch is the result of a read.
type Batch struct {
	Messages []message.Message `json:"messages"`
	NewCount int               `json:"new_count"`
	Total    int               `json:"total"`
}

// Read returns the reader's messages and advances the cursor to the room's
// high-water mark. The cursor moves even when filters or the limit hid
// messages, so a filtered read marks everything as seen. The mark is taken
// before reading and bounds the read, so a message appended concurrently is
// left for the next read instead of being skipped.
func (r *Room) Read(ctx context.Context, reader string, opts ReadOptions) (*Batch, error) {
	var since int64
	if !opts.All {
		cur, err := r.backend.Cursor(ctx, reader, r.name)
		if err != nil {
			return nil, err
		}
		since = cur
	}

	last, err := r.backend.LastID(ctx, r.name)
	if err != nil {
		return nil, err
	}

	var msgs []message.Message
	if last > since {
		q := storage.Query{SinceID: since, UntilID: last, Type: opts.Type}
		if opts.ForMe {
			q.Recipient = reader
		}
		if !opts.All {
			q.Limit = opts.Limit
		}
		if msgs, err = r.backend.Read(ctx, r.name, q); err != nil {
			return nil, err
		}
		if opts.All && opts.Limit > 0 && len(msgs) > opts.Limit {
			msgs = msgs[len(msgs)-opts.Limit:]
		}
	}

	total, err := r.backend.Count(ctx, r.name)
	if err != nil {
		return nil, err
	}
	if err := r.backend.SetCursor(ctx, reader, r.name, last); err != nil {
		return nil, err
	}

	if opts.Quiet && len(msgs) == 0 {
		return nil, nil
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return &Batch{Messages: msgs, NewCount: len(msgs), Total: total}, nil
}

// Status summarizes the room.
type Status struct {
	Active       bool     `json:"active"`
	Room         string   `json:"project"`
	MessageCount int      `json:"message_count"`
	Readers      []string `json:"sessions"`
	Location     string   `json:"log_path"`
}

// Status reports message count and known readers.
func (r *Room) Status(ctx context.Context) (*Status, error) {
	n, err := r.backend.Count(ctx, r.name)
	if err != nil {
		return nil, err
	}
	readers, err := r.backend.Readers(ctx, r.name)
	if err != nil {
		return nil, err
	}
	if readers == nil {
		readers = []string{}
	}
	return &Status{
		Active:       n > 0 || len(readers) > 0,
		Room:         r.name,
		MessageCount: n,
		Readers:      readers,
		Location:     r.backend.Location(r.name),
	}, nil
}

// Clear deletes the room's messages, cursors and pending markers.
func (r *Room) Clear(ctx context.Context) error {
	return r.backend.Clear(ctx, r.name)
}

// PendingBatch is the result of consuming a pending marker.
type PendingBatch struct {
	Pending  bool              `json:"pending"`
	Messages []message.Message `json:"messages"`
	Count    int               `json:"count"`
	Range    string            `json:"range,omitempty"`
}

// Pending consumes the reader's pending marker, returning the messages in
// its range and moving the cursor to the range end.
func (r *Room) Pending(ctx context.Context, reader string) (*PendingBatch, error) {
	rng, ok, err := r.backend.TakePending(ctx, reader, r.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &PendingBatch{Messages: []message.Message{}}, nil
	}

	msgs, err := r.backend.Read(ctx, r.name, storage.Query{SinceID: rng.Start})
	if err != nil {
		return nil, err
	}
	inRange := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if rng.Contains(m.ID) {
			inRange = append(inRange, m)
		}
	}

	if err := r.backend.SetCursor(ctx, reader, r.name, rng.End); err != nil {
		return nil, err
	}
	return &PendingBatch{
		Pending:  true,
		Messages: inRange,
		Count:    len(inRange),
		Range:    rng.String(),
	}, nil
}

// CheckResult combines a pending consumption with a fresh read.
type CheckResult struct {
	PendingMessages []message.Message `json:"pending_messages"`
	NewMessages     []message.Message `json:"new_messages"`
	PendingCount    int               `json:"pending_count"`
	NewCount        int               `json:"new_count"`
	Total           int               `json:"total"`
}

// Check is the one-stop "catch me up": consume pending, then read.
func (r *Room) Check(ctx context.Context, reader string, forMe bool) (*CheckResult, error) {
	pending, err := r.Pending(ctx, reader)
	if err != nil {
		return nil, err
	}
	batch, err := r.Read(ctx, reader, ReadOptions{ForMe: forMe})
	if err != nil {
		return nil, err
	}

	pendingMsgs := pending.Messages
	if forMe {
		pendingMsgs = make([]message.Message, 0, len(pending.Messages))
		for _, m := range pending.Messages {
			if m.For(reader) {
				pendingMsgs = append(pendingMsgs, m)
			}
		}
	}

	return &CheckResult{
		PendingMessages: pendingMsgs,
		NewMessages:     batch.Messages,
		PendingCount:    len(pendingMsgs),
		NewCount:        batch.NewCount,
		Total:           len(pendingMsgs) + batch.NewCount,
	}, nil
}

// MarkPending records a pending range for every known reader whose cursor
// trails the high-water mark and who has no marker yet. It returns the
// readers that were marked.
func (r *Room) MarkPending(ctx context.Context) ([]string, error) {
	last, err := r.backend.LastID(ctx, r.name)
	if err != nil {
		return nil, err
	}
	readers, err := r.backend.Readers(ctx, r.name)
	if err != nil {
		return nil, err
	}

	var marked []string
	for _, reader := range readers {
		cur, err := r.backend.Cursor(ctx, reader, r.name)
		if err != nil {
			return marked, err
		}
		if cur >= last {
			continue
		}
		if _, ok, err := r.backend.PendingRange(ctx, reader, r.name); err != nil {
			return marked, err
		} else if ok {
			continue
		}
		if err := r.backend.SetPendingRange(ctx, reader, r.name, storage.Range{Start: cur, End: last}); err != nil {
			return marked, err
		}
		marked = append(marked, reader)
	}
	return marked, nil
}
