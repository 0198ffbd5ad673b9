package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nclaude/nclaude/internal/fslock"
	"github.com/nclaude/nclaude/internal/message"
)

// File names inside a room directory.
const (
	LogFileName = "messages.log"
	lockName    = ".lock"
	sessionsDir = "sessions"
	pendingDir  = "pending"
)

// LogStore keeps each room in its own directory as a plain-text append-only
// log. Message ids are the 1-based line number of the message's first line,
// so the line count is the cursor high-water mark. Every mutation happens
// under an exclusive flock on the room's lock file; reads take a shared lock.
type LogStore struct {
	root string
}

// NewLogStore returns a log store rooted at dir. Nothing is created until
// Init or the first write.
func NewLogStore(dir string) *LogStore {
	return &LogStore{root: dir}
}

// Root returns the directory that holds the room directories.
func (s *LogStore) Root() string {
	return s.root
}

// Init creates the root directory.
func (s *LogStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0750); err != nil {
		return unavailable("init", s.root, err)
	}
	return nil
}

func (s *LogStore) roomDir(room string) (string, error) {
	if room == "" || room == "." || room == ".." || strings.ContainsAny(room, `/\`) {
		return "", fmt.Errorf("invalid room name %q", room)
	}
	return filepath.Join(s.root, room), nil
}

// Location returns the room's log file path.
func (s *LogStore) Location(room string) string {
	dir, err := s.roomDir(room)
	if err != nil {
		return s.root
	}
	return filepath.Join(dir, LogFileName)
}

// withLock runs fn while holding the room lock in the given mode. The room
// directory is created for exclusive holders only; shared holders of a room
// that does not exist yet get dir == "" and must treat the room as empty.
func (s *LogStore) withLock(ctx context.Context, op, room string, mode fslock.Mode, fn func(dir string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.roomDir(room)
	if err != nil {
		return err
	}

	if mode == fslock.Exclusive {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return unavailable(op, dir, err)
		}
	} else if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fn("")
	}

	lockPath := filepath.Join(dir, lockName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304 - path under the configured data directory
	if err != nil {
		return unavailable(op, lockPath, err)
	}
	defer func() { _ = f.Close() }()

	if err := fslock.Lock(ctx, f, mode); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return unavailable(op, lockPath, err)
	}
	defer fslock.Unlock(f)

	return fn(dir)
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the configured data directory
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message.SplitLines(string(data)), nil
}

// Append writes m as one record with a single write followed by fsync.
func (s *LogStore) Append(ctx context.Context, m *message.Message) (*message.Message, error) {
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

	err := s.withLock(ctx, "append", m.Room, fslock.Exclusive, func(dir string) error {
		path := filepath.Join(dir, LogFileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600) //nolint:gosec // G304 - path under the configured data directory
		if err != nil {
			return unavailable("append", path, err)
		}
		defer func() { _ = f.Close() }()

		data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the configured data directory
		if err != nil {
			return unavailable("append", path, err)
		}

		var buf []byte
		// A torn trailing line from a crashed writer stays a malformed
		// line of its own instead of swallowing the next record.
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf = append(buf, '\n')
		}

		out.ID = int64(len(message.SplitLines(string(data))) + 1)
		out.Timestamp = message.Now()
		buf = append(buf, message.FormatLogLine(&out)...)
		buf = append(buf, '\n')

		if _, err := f.Write(buf); err != nil {
			return unavailable("append", path, err)
		}
		if err := f.Sync(); err != nil {
			return unavailable("append", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LogStore) parse(dir, room string) ([]message.Message, int64, error) {
	if dir == "" {
		return nil, 0, nil
	}
	path := filepath.Join(dir, LogFileName)
	lines, err := readLines(path)
	if err != nil {
		return nil, 0, unavailable("read", path, err)
	}
	return message.ParseLogLines(lines, room), int64(len(lines)), nil
}

// Read returns the room's messages after q.SinceID that pass the filters.
func (s *LogStore) Read(ctx context.Context, room string, q Query) ([]message.Message, error) {
	var out []message.Message
	err := s.withLock(ctx, "read", room, fslock.Shared, func(dir string) error {
		all, _, err := s.parse(dir, room)
		if err != nil {
			return err
		}
		for i := range all {
			if q.matches(&all[i]) {
				out = append(out, all[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyLimit(out, q.Limit), nil
}

// Count returns the number of parseable messages.
func (s *LogStore) Count(ctx context.Context, room string) (int, error) {
	var n int
	err := s.withLock(ctx, "count", room, fslock.Shared, func(dir string) error {
		all, _, err := s.parse(dir, room)
		n = len(all)
		return err
	})
	return n, err
}

// LastID returns the log's line count.
func (s *LogStore) LastID(ctx context.Context, room string) (int64, error) {
	var last int64
	err := s.withLock(ctx, "last-id", room, fslock.Shared, func(dir string) error {
		_, lines, err := s.parse(dir, room)
		last = lines
		return err
	})
	return last, err
}

func readerFile(dir, kind, reader string) string {
	return filepath.Join(dir, kind, url.PathEscape(reader))
}

// writeFileAtomic replaces path via a temp file and rename so that readers
// never observe a half-written cursor.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Cursor returns the reader's last-read id, or 0 when none is stored.
func (s *LogStore) Cursor(ctx context.Context, reader, room string) (int64, error) {
	var cur int64
	err := s.withLock(ctx, "cursor", room, fslock.Shared, func(dir string) error {
		if dir == "" {
			return nil
		}
		path := readerFile(dir, sessionsDir, reader)
		data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the configured data directory
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return unavailable("cursor", path, err)
		}
		// An unreadable cursor counts as "never read".
		cur, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		return nil
	})
	return cur, err
}

// SetCursor stores the reader's last-read id.
func (s *LogStore) SetCursor(ctx context.Context, reader, room string, id int64) error {
	return s.withLock(ctx, "set-cursor", room, fslock.Exclusive, func(dir string) error {
		path := readerFile(dir, sessionsDir, reader)
		if err := writeFileAtomic(path, []byte(strconv.FormatInt(id, 10))); err != nil {
			return unavailable("set-cursor", path, err)
		}
		return nil
	})
}

// Readers lists the readers with a stored cursor, sorted.
func (s *LogStore) Readers(ctx context.Context, room string) ([]string, error) {
	var readers []string
	err := s.withLock(ctx, "readers", room, fslock.Shared, func(dir string) error {
		if dir == "" {
			return nil
		}
		entries, err := os.ReadDir(filepath.Join(dir, sessionsDir))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return unavailable("readers", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			name, err := url.PathUnescape(e.Name())
			if err != nil {
				name = e.Name()
			}
			readers = append(readers, name)
		}
		return nil
	})
	sort.Strings(readers)
	return readers, err
}

// Clear removes the log, cursors and pending markers. The lock file stays so
// that concurrent holders keep locking the same inode.
func (s *LogStore) Clear(ctx context.Context, room string) error {
	return s.withLock(ctx, "clear", room, fslock.Exclusive, func(dir string) error {
		for _, name := range []string{LogFileName, sessionsDir, pendingDir} {
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
				return unavailable("clear", dir, err)
			}
		}
		return nil
	})
}

func parseRange(data string) (Range, bool) {
	start, end, ok := strings.Cut(strings.TrimSpace(data), ":")
	if !ok {
		return Range{}, false
	}
	a, err1 := strconv.ParseInt(start, 10, 64)
	b, err2 := strconv.ParseInt(end, 10, 64)
	if err1 != nil || err2 != nil {
		return Range{}, false
	}
	return Range{Start: a, End: b}, true
}

func readRange(dir, reader string) (Range, bool, error) {
	if dir == "" {
		return Range{}, false, nil
	}
	path := readerFile(dir, pendingDir, reader)
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the configured data directory
	if errors.Is(err, os.ErrNotExist) {
		return Range{}, false, nil
	}
	if err != nil {
		return Range{}, false, unavailable("pending", path, err)
	}
	r, ok := parseRange(string(data))
	return r, ok, nil
}

// PendingRange returns the reader's pending marker, if any.
func (s *LogStore) PendingRange(ctx context.Context, reader, room string) (Range, bool, error) {
	var (
		r  Range
		ok bool
	)
	err := s.withLock(ctx, "pending", room, fslock.Shared, func(dir string) error {
		var err error
		r, ok, err = readRange(dir, reader)
		return err
	})
	return r, ok, err
}

// SetPendingRange stores "start:end" for the reader.
func (s *LogStore) SetPendingRange(ctx context.Context, reader, room string, r Range) error {
	return s.withLock(ctx, "set-pending", room, fslock.Exclusive, func(dir string) error {
		path := readerFile(dir, pendingDir, reader)
		if err := writeFileAtomic(path, []byte(r.String())); err != nil {
			return unavailable("set-pending", path, err)
		}
		return nil
	})
}

// ClearPending removes the reader's marker. Missing markers are not an error.
func (s *LogStore) ClearPending(ctx context.Context, reader, room string) error {
	return s.withLock(ctx, "clear-pending", room, fslock.Exclusive, func(dir string) error {
		path := readerFile(dir, pendingDir, reader)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return unavailable("clear-pending", path, err)
		}
		return nil
	})
}

// TakePending reads and removes the marker under one exclusive lock.
func (s *LogStore) TakePending(ctx context.Context, reader, room string) (Range, bool, error) {
	var (
		r  Range
		ok bool
	)
	err := s.withLock(ctx, "take-pending", room, fslock.Exclusive, func(dir string) error {
		var err error
		r, ok, err = readRange(dir, reader)
		if err != nil {
			return err
		}
		path := readerFile(dir, pendingDir, reader)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return unavailable("take-pending", path, err)
		}
		return nil
	})
	return r, ok, err
}

// Close is a no-op; the log store holds no open handles between calls.
func (s *LogStore) Close() error {
	return nil
}

var _ Backend = (*LogStore)(nil)
