package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/safedb"
)

// SQLStore keeps every room in one SQLite database. Ids come from an
// AUTOINCREMENT key, so they are unique across rooms and never reused after
// a clear.
type SQLStore struct {
	path string
	db   *safedb.DB
}

// NewSQLStore opens (creating if needed) dir/messages.db and applies the
// schema.
func NewSQLStore(dir string) (*SQLStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, unavailable("open", dir, err)
	}
	path := filepath.Join(dir, DatabaseFileName)

	raw, err := openSQLite(path)
	if err != nil {
		return nil, unavailable("open", path, err)
	}
	s := &SQLStore{path: path, db: safedb.New(raw)}
	if err := s.Init(context.Background()); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLStore) Path() string {
	return s.path
}

// Init applies the schema. Safe to call repeatedly.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := migrate(ctx, s.db.Raw()); err != nil {
		return unavailable("init", s.path, err)
	}
	return nil
}

// Location returns the database path; rooms share one file.
func (s *SQLStore) Location(string) string {
	return s.path
}

func (s *SQLStore) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(op, s.path, err)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Append inserts m and returns it with its assigned id.
func (s *SQLStore) Append(ctx context.Context, m *message.Message) (*message.Message, error) {
	if err := message.ValidateSender(m.Sender); err != nil {
		return nil, err
	}

	out := *m
	out.Recipient = message.NormalizeRecipient(out.Recipient)
	if err := message.ValidateRecipient(out.Recipient); err != nil {
		return nil, err
	}
	if out.Type == "" {
		out.Type = message.TypeChat
	}
	out.Timestamp = message.Now()

	var meta sql.NullString
	if len(out.Metadata) > 0 {
		data, err := json.Marshal(out.Metadata)
		if err != nil {
			return nil, err
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	var recipient sql.NullString
	if out.Recipient != "" {
		recipient = sql.NullString{String: out.Recipient, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room, sender, type, content, timestamp, recipient, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.Room, out.Sender, string(out.Type), out.Content, out.Timestamp, recipient, meta)
	if err != nil {
		return nil, s.fail("append", err)
	}
	if out.ID, err = res.LastInsertId(); err != nil {
		return nil, s.fail("append", err)
	}
	return &out, nil
}

// recipientClause keeps every row that could match a reader: broadcast rows
// and rows whose recipient contains the reader's name. Query.matches then
// applies message.RecipientMatches exactly.
const recipientClause = ` AND (recipient IS NULL OR recipient = '' OR recipient = '*' OR instr(recipient, ?) > 0)`

// Read returns messages with q.SinceID < id <= q.UntilID in ascending order.
func (s *SQLStore) Read(ctx context.Context, room string, q Query) ([]message.Message, error) {
	query := `SELECT id, room, sender, type, content, timestamp, recipient, metadata
		FROM messages WHERE room = ? AND id > ?`
	args := []any{room, q.SinceID}

	if q.UntilID > 0 {
		query += " AND id <= ?"
		args = append(args, q.UntilID)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, string(q.Type))
	}
	if q.Recipient != "" {
		query += recipientClause
		args = append(args, q.Recipient)
	}
	query += " ORDER BY id ASC"
	// The recipient prefilter is loose, so the limit applies after matching.
	if q.Limit > 0 && q.Recipient == "" {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail("read", err)
	}
	defer func() { _ = rows.Close() }()

	var out []message.Message
	for rows.Next() {
		var (
			m         message.Message
			typ       string
			recipient sql.NullString
			meta      sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &typ, &m.Content, &m.Timestamp, &recipient, &meta); err != nil {
			return nil, s.fail("read", err)
		}
		m.Type = message.Type(typ)
		m.Recipient = recipient.String
		if meta.Valid && meta.String != "" {
			// Metadata is advisory; a corrupt blob does not hide the message.
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		if q.matches(&m) {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("read", err)
	}
	return applyLimit(out, q.Limit), nil
}

// Count returns the number of messages in the room.
func (s *SQLStore) Count(ctx context.Context, room string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE room = ?", room).Scan(&n); err != nil {
		return 0, s.fail("count", err)
	}
	return n, nil
}

// LastID returns the highest id in the room, or 0 when it is empty.
func (s *SQLStore) LastID(ctx context.Context, room string) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM messages WHERE room = ?", room).Scan(&id); err != nil {
		return 0, s.fail("last-id", err)
	}
	return id, nil
}

// Cursor returns the reader's last-read id, or 0.
func (s *SQLStore) Cursor(ctx context.Context, reader, room string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT last_id FROM cursors WHERE reader = ? AND room = ?", reader, room).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("cursor", err)
	}
	return id, nil
}

// SetCursor upserts the reader's last-read id.
func (s *SQLStore) SetCursor(ctx context.Context, reader, room string, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (reader, room, last_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(reader, room) DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at`,
		reader, room, id, nowStamp())
	if err != nil {
		return s.fail("set-cursor", err)
	}
	return nil
}

// Readers lists readers with a stored cursor in the room, sorted.
func (s *SQLStore) Readers(ctx context.Context, room string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT reader FROM cursors WHERE room = ? ORDER BY reader", room)
	if err != nil {
		return nil, s.fail("readers", err)
	}
	defer func() { _ = rows.Close() }()

	var readers []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, s.fail("readers", err)
		}
		readers = append(readers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("readers", err)
	}
	return readers, nil
}

// Clear deletes the room's rows from every table in one transaction. Other
// rooms are untouched.
func (s *SQLStore) Clear(ctx context.Context, room string) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "cursors", "pending"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE room = ?", room); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.fail("clear", err)
	}
	return nil
}

func scanRange(row *sql.Row) (Range, bool, error) {
	var r Range
	err := row.Scan(&r.Start, &r.End)
	if errors.Is(err, sql.ErrNoRows) {
		return Range{}, false, nil
	}
	if err != nil {
		return Range{}, false, err
	}
	return r, true, nil
}

const pendingSelect = "SELECT start_id, end_id FROM pending WHERE reader = ? AND room = ?"

// PendingRange returns the reader's pending marker, if any.
func (s *SQLStore) PendingRange(ctx context.Context, reader, room string) (Range, bool, error) {
	r, ok, err := scanRange(s.db.QueryRowContext(ctx, pendingSelect, reader, room))
	if err != nil {
		return Range{}, false, s.fail("pending", err)
	}
	return r, ok, nil
}

// SetPendingRange upserts the reader's marker.
func (s *SQLStore) SetPendingRange(ctx context.Context, reader, room string, r Range) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (reader, room, start_id, end_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(reader, room) DO UPDATE SET start_id = excluded.start_id, end_id = excluded.end_id`,
		reader, room, r.Start, r.End)
	if err != nil {
		return s.fail("set-pending", err)
	}
	return nil
}

// ClearPending removes the reader's marker.
func (s *SQLStore) ClearPending(ctx context.Context, reader, room string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending WHERE reader = ? AND room = ?", reader, room); err != nil {
		return s.fail("clear-pending", err)
	}
	return nil
}

// TakePending reads and deletes the marker in one transaction.
func (s *SQLStore) TakePending(ctx context.Context, reader, room string) (Range, bool, error) {
	var (
		r  Range
		ok bool
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		r, ok, err = scanRange(tx.QueryRowContext(ctx, pendingSelect, reader, room))
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM pending WHERE reader = ? AND room = ?", reader, room)
		return err
	})
	if err != nil {
		return Range{}, false, s.fail("take-pending", err)
	}
	return r, ok, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Backend = (*SQLStore)(nil)
