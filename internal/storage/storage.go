// Package storage holds the two interchangeable room backends: an
// append-only text log guarded by flock, and a shared SQLite database.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nclaude/nclaude/internal/message"
)

// Backend kinds accepted by Open.
const (
	KindLog    = "log"
	KindSQLite = "sqlite"
)

var (
	// ErrUnavailable is matched by every failure to open, lock, read or
	// write the underlying file or database.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrUnknownBackend is returned by Open for an unsupported kind.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Error describes a failed storage operation. It unwraps to both
// ErrUnavailable and the underlying cause.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

func unavailable(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}

// Query selects messages from a room. Zero values mean "no filter".
type Query struct {
	SinceID int64
	// UntilID, when positive, is an inclusive upper bound on ids.
	UntilID   int64
	Limit     int
	Type      message.Type
	Recipient string
}

func (q Query) matches(m *message.Message) bool {
	if m.ID <= q.SinceID || (q.UntilID > 0 && m.ID > q.UntilID) {
		return false
	}
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if q.Recipient != "" && !message.RecipientMatches(m.Recipient, q.Recipient) {
		return false
	}
	return true
}

// Range is a pending-notification marker. It covers ids with
// Start < id <= End; consuming it moves the reader's cursor to End.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int64) bool {
	return id > r.Start && id <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// Backend is the storage contract shared by the log and SQLite stores. All
// operations are scoped to a single room; rooms never contend.
type Backend interface {
	// Init creates directories or tables. It is idempotent and cheap.
	Init(ctx context.Context) error

	// Append assigns the next id and timestamp and persists m before
	// returning. Safe under concurrent writers from separate processes.
	Append(ctx context.Context, m *message.Message) (*message.Message, error)

	// Read returns messages with q.SinceID < id <= q.UntilID (unbounded
	// when UntilID is zero) in ascending id order.
	Read(ctx context.Context, room string, q Query) ([]message.Message, error)

	Cursor(ctx context.Context, reader, room string) (int64, error)
	SetCursor(ctx context.Context, reader, room string, id int64) error

	// Count returns the number of messages in the room.
	Count(ctx context.Context, room string) (int, error)

	// LastID returns the high-water mark a fully caught-up cursor points at.
	LastID(ctx context.Context, room string) (int64, error)

	// Readers lists every reader that has ever stored a cursor in the room.
	Readers(ctx context.Context, room string) ([]string, error)

	// Clear deletes all messages, cursors and pending markers of the room.
	Clear(ctx context.Context, room string) error

	PendingRange(ctx context.Context, reader, room string) (Range, bool, error)
	SetPendingRange(ctx context.Context, reader, room string, r Range) error
	ClearPending(ctx context.Context, reader, room string) error

	// TakePending reads and deletes the marker in one step.
	TakePending(ctx context.Context, reader, room string) (Range, bool, error)

	// Location describes where the room's data lives, for status output.
	Location(room string) string

	Close() error
}

// Open constructs the backend named by kind rooted at dir.
func Open(kind, dir string) (Backend, error) {
	switch kind {
	case "", KindLog, "file":
		return NewLogStore(dir), nil
	case KindSQLite, "sql":
		return NewSQLStore(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

// applyLimit keeps the first limit messages when limit is positive.
func applyLimit(msgs []message.Message, limit int) []message.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
