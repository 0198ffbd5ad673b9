package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a fresh instance of every backend kind.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := make(map[string]Backend)
	for _, kind := range []string{KindLog, KindSQLite} {
		b, err := Open(kind, t.TempDir())
		require.NoError(t, err)
		require.NoError(t, b.Init(context.Background()))
		t.Cleanup(func() { _ = b.Close() })
		out[kind] = b
	}
	return out
}

func appendMsg(t *testing.T, b Backend, room, sender, content string, typ message.Type, recipient string) *message.Message {
	t.Helper()
	m, err := b.Append(context.Background(), message.New(room, sender, content, typ, recipient))
	require.NoError(t, err)
	return m
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("mongo", t.TempDir())
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			first := appendMsg(t, b, "proj", "alice", "one", message.TypeChat, "")
			second := appendMsg(t, b, "proj", "alice", "two\nlines", message.TypeTask, "")
			third := appendMsg(t, b, "proj", "bob", "three", message.TypeChat, "")

			assert.Greater(t, first.ID, int64(0))
			assert.Greater(t, second.ID, first.ID)
			assert.Greater(t, third.ID, second.ID)
			assert.NotEmpty(t, first.Timestamp)

			n, err := b.Count(context.Background(), "proj")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			last, err := b.LastID(context.Background(), "proj")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, last, third.ID)
		})
	}
}

func TestReadFilters(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			a := appendMsg(t, b, "proj", "alice", "hello", message.TypeChat, "")
			appendMsg(t, b, "proj", "alice", "for bob", message.TypeTask, "bob")
			appendMsg(t, b, "proj", "alice", "for carol", message.TypeChat, "carol")
			appendMsg(t, b, "proj", "alice", "for both", message.TypeChat, "bob,carol")
			appendMsg(t, b, "proj", "alice", "everyone", message.TypeUrgent, "*")

			all, err := b.Read(ctx, "proj", Query{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "", all[4].Recipient)

			since, err := b.Read(ctx, "proj", Query{SinceID: a.ID})
			require.NoError(t, err)
			assert.Len(t, since, 4)

			forBob, err := b.Read(ctx, "proj", Query{Recipient: "bob"})
			require.NoError(t, err)
			var contents []string
			for _, m := range forBob {
				contents = append(contents, m.Content)
			}
			assert.Equal(t, []string{"hello", "for bob", "for both", "everyone"}, contents)

			tasks, err := b.Read(ctx, "proj", Query{Type: message.TypeTask})
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "bob", tasks[0].Recipient)

			limited, err := b.Read(ctx, "proj", Query{Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "hello", limited[0].Content)
		})
	}
}

func TestRecipientDoesNotMatchPrefix(t *testing.T) {
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			appendMsg(t, b, "proj", "alice", "x", message.TypeChat, "bob-2")
			appendMsg(t, b, "proj", "alice", "y", message.TypeChat, "a_b")

			got, err := b.Read(context.Background(), "proj", Query{Recipient: "bob"})
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = b.Read(context.Background(), "proj", Query{Recipient: "a-b"})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestReadUntilID(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			appendMsg(t, b, "proj", "alice", "one", message.TypeChat, "")
			second := appendMsg(t, b, "proj", "alice", "two\nlines", message.TypeChat, "")
			appendMsg(t, b, "proj", "alice", "three", message.TypeChat, "")

			got, err := b.Read(ctx, "proj", Query{UntilID: second.ID})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "two\nlines", got[1].Content)

			got, err = b.Read(ctx, "proj", Query{SinceID: second.ID - 1, UntilID: second.ID})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, second.ID, got[0].ID)
		})
	}
}

func TestRecipientMatchingIsExact(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			// "@@alice" normalizes to the literal recipient "@alice", which is
			// not the session alice.
			appendMsg(t, b, "proj", "bob", "literal", message.TypeChat, "@@alice")
			appendMsg(t, b, "proj", "bob", "listed", message.TypeChat, "carol,@alice")
			appendMsg(t, b, "proj", "bob", "other", message.TypeChat, "malice")

			got, err := b.Read(ctx, "proj", Query{Recipient: "alice"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "listed", got[0].Content)

			for _, m := range got {
				assert.True(t, message.RecipientMatches(m.Recipient, "alice"))
			}

			got, err = b.Read(ctx, "proj", Query{Recipient: "alice", Limit: 1})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "listed", got[0].Content)
		})
	}
}

func TestAppendRejectsInvalidRecipient(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := b.Append(ctx, message.New("proj", "bob", "please review", message.TypeTask, "alice smith"))
			require.ErrorIs(t, err, message.ErrInvalidRecipient)

			n, err := b.Count(ctx, "proj")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestAppendAssignsTimestamp(t *testing.T) {
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			m := message.New("proj", "bob", "hi", message.TypeChat, "")
			m.Timestamp = "1999-01-01T00:00:00"
			out, err := b.Append(context.Background(), m)
			require.NoError(t, err)
			assert.NotEqual(t, "1999-01-01T00:00:00", out.Timestamp)

			got, err := b.Read(context.Background(), "proj", Query{})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, out.Timestamp, got[0].Timestamp)
		})
	}
}

func TestCursors(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			cur, err := b.Cursor(ctx, "bob", "proj")
			require.NoError(t, err)
			assert.Equal(t, int64(0), cur)

			require.NoError(t, b.SetCursor(ctx, "bob", "proj", 7))
			require.NoError(t, b.SetCursor(ctx, "nclaude/main", "proj", 3))

			cur, err = b.Cursor(ctx, "bob", "proj")
			require.NoError(t, err)
			assert.Equal(t, int64(7), cur)

			readers, err := b.Readers(ctx, "proj")
			require.NoError(t, err)
			assert.Equal(t, []string{"bob", "nclaude/main"}, readers)

			other, err := b.Cursor(ctx, "bob", "elsewhere")
			require.NoError(t, err)
			assert.Equal(t, int64(0), other)
		})
	}
}

func TestPendingRange(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			_, ok, err := b.PendingRange(ctx, "bob", "proj")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.SetPendingRange(ctx, "bob", "proj", Range{Start: 2, End: 5}))
			r, ok, err := b.PendingRange(ctx, "bob", "proj")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Range{Start: 2, End: 5}, r)

			r, ok, err = b.TakePending(ctx, "bob", "proj")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(5), r.End)

			_, ok, err = b.TakePending(ctx, "bob", "proj")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.SetPendingRange(ctx, "bob", "proj", Range{Start: 1, End: 2}))
			require.NoError(t, b.ClearPending(ctx, "bob", "proj"))
			require.NoError(t, b.ClearPending(ctx, "bob", "proj"))
			_, ok, err = b.PendingRange(ctx, "bob", "proj")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestClearIsolatesRooms(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			appendMsg(t, b, "one", "alice", "a", message.TypeChat, "")
			appendMsg(t, b, "two", "alice", "b", message.TypeChat, "")
			require.NoError(t, b.SetCursor(ctx, "bob", "one", 1))
			require.NoError(t, b.SetCursor(ctx, "bob", "two", 1))
			require.NoError(t, b.SetPendingRange(ctx, "bob", "one", Range{Start: 0, End: 1}))

			require.NoError(t, b.Clear(ctx, "one"))

			n, err := b.Count(ctx, "one")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			cur, err := b.Cursor(ctx, "bob", "one")
			require.NoError(t, err)
			assert.Equal(t, int64(0), cur)
			_, ok, err := b.PendingRange(ctx, "bob", "one")
			require.NoError(t, err)
			assert.False(t, ok)

			n, err = b.Count(ctx, "two")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			cur, err = b.Cursor(ctx, "bob", "two")
			require.NoError(t, err)
			assert.Equal(t, int64(1), cur)

			// The room keeps working after a clear.
			m := appendMsg(t, b, "one", "alice", "again", message.TypeChat, "")
			got, err := b.Read(ctx, "one", Query{})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, m.ID, got[0].ID)
		})
	}
}

func TestConcurrentAppend(t *testing.T) {
	const writers, perWriter = 8, 25
	ctx := context.Background()

	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, writers*perWriter)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						content := fmt.Sprintf("w%d-%d", w, i)
						if i%5 == 0 {
							content += "\nsecond line"
						}
						if _, err := b.Append(ctx, message.New("proj", fmt.Sprintf("writer-%d", w), content, message.TypeChat, "")); err != nil {
							errs <- err
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			all, err := b.Read(ctx, "proj", Query{})
			require.NoError(t, err)
			require.Len(t, all, writers*perWriter)

			seen := make(map[int64]bool)
			perSender := make(map[string]int)
			for i, m := range all {
				assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
				seen[m.ID] = true
				if i > 0 {
					assert.Greater(t, m.ID, all[i-1].ID)
				}
				// Each writer's own messages stay in send order.
				want := fmt.Sprintf("w%s-%d", m.Sender[len("writer-"):], perSender[m.Sender])
				assert.Contains(t, m.Content, want)
				perSender[m.Sender]++
			}
		})
	}
}

func TestLogStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(dir)
	ctx := context.Background()

	appendMsg(t, s, "proj", "alice", "hello", message.TypeChat, "")
	appendMsg(t, s, "proj", "bob", "multi\nline", message.TypeStatus, "alice")
	require.NoError(t, s.SetCursor(ctx, "alice", "proj", 1))
	require.NoError(t, s.SetPendingRange(ctx, "alice", "proj", Range{Start: 1, End: 5}))

	logPath := filepath.Join(dir, "proj", LogFileName)
	assert.Equal(t, logPath, s.Location("proj"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := message.SplitLines(string(data))
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "] [alice] hello")
	assert.Equal(t, "@alice multi", lines[2])
	assert.Equal(t, message.EndSentinel, lines[4])

	last, err := s.LastID(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)

	cursor, err := os.ReadFile(filepath.Join(dir, "proj", "sessions", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(cursor))

	pending, err := os.ReadFile(filepath.Join(dir, "proj", "pending", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "1:5", string(pending))
}

func TestLogStoreSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "proj"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proj", LogFileName), []byte("[t] [a] whole\n[t] [b] tor"), 0600))

	m := appendMsg(t, s, "proj", "c", "after", message.TypeChat, "")
	assert.Equal(t, int64(3), m.ID)

	got, err := s.Read(context.Background(), "proj", Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "tor", got[1].Content)
	assert.Equal(t, "after", got[2].Content)
}

func TestLogStoreRejectsBadRoom(t *testing.T) {
	s := NewLogStore(t.TempDir())
	_, err := s.Append(context.Background(), message.New("../escape", "a", "x", message.TypeChat, ""))
	assert.Error(t, err)
}

func TestLogStoreMissingRoomIsEmpty(t *testing.T) {
	s := NewLogStore(t.TempDir())
	ctx := context.Background()

	got, err := s.Read(ctx, "nothing", Query{})
	require.NoError(t, err)
	assert.Empty(t, got)

	readers, err := s.Readers(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, readers)
}

func TestSQLStoreMetadataAndSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	m := message.New("proj", "alice", "with meta", message.TypeChat, "")
	m.Metadata = map[string]any{"hub_id": "01ABC"}
	_, err = s.Append(ctx, m)
	require.NoError(t, err)

	got, err := s.Read(ctx, "proj", Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "01ABC", got[0].Metadata["hub_id"])

	// Re-opening the same file keeps data and does not re-run the schema.
	require.NoError(t, s.Init(ctx))
	again, err := NewSQLStore(dir)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	n, err := again.Count(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var versions int
	require.NoError(t, again.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&versions))
	assert.Equal(t, 1, versions)
}

func TestErrorUnwrapsToUnavailable(t *testing.T) {
	err := unavailable("append", "/x", os.ErrPermission)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), "append /x")
}
