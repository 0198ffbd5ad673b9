package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachBackend runs fn against a fresh "proj" room on each backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, r *Room)) {
	t.Helper()
	for _, kind := range []string{storage.KindLog, storage.KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			b, err := storage.Open(kind, t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			fn(t, New("proj", b))
		})
	}
}

func contents(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func mustSend(t *testing.T, r *Room, sender, content string, typ message.Type) *Receipt {
	t.Helper()
	rc, err := r.Send(context.Background(), sender, content, typ, "")
	require.NoError(t, err)
	return rc
}

func TestEndToEnd(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()

		st, err := r.Status(ctx)
		require.NoError(t, err)
		assert.False(t, st.Active)

		mustSend(t, r, "alice", "Starting work", message.TypeStatus)
		rc := mustSend(t, r, "bob", "@alice ack", message.TypeReply)
		assert.Equal(t, "alice", rc.To)
		assert.Equal(t, "ack", rc.Sent)

		// Sending never advances the sender's cursor, so alice sees her own
		// broadcast status alongside bob's reply.
		batch, err := r.Read(ctx, "alice", ReadOptions{ForMe: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"Starting work", "ack"}, contents(batch.Messages))
		assert.Equal(t, message.TypeReply, batch.Messages[1].Type)
		assert.Equal(t, "bob", batch.Messages[1].Sender)
		assert.Equal(t, 2, batch.Total)

		// carol is not addressed by the reply.
		batch, err = r.Read(ctx, "carol", ReadOptions{ForMe: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"Starting work"}, contents(batch.Messages))

		st, err = r.Status(ctx)
		require.NoError(t, err)
		assert.True(t, st.Active)
		assert.Equal(t, 2, st.MessageCount)
		assert.Equal(t, []string{"alice", "carol"}, st.Readers)
		assert.NotEmpty(t, st.Location)
	})
}

func TestSendRejectsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		_, err := r.Send(ctx, "alice", "   ", message.TypeChat, "")
		require.ErrorIs(t, err, ErrEmptyMessage)

		_, err = r.Send(ctx, "alice", "@bob ", message.TypeChat, "")
		require.ErrorIs(t, err, ErrEmptyMessage)

		n, err := r.Backend().Count(ctx, "proj")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestSendRejectsInvalidRecipient(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		_, err := r.Send(ctx, "bob", "please review", message.TypeTask, "alice smith")
		require.ErrorIs(t, err, message.ErrInvalidRecipient)

		_, err = r.SendMessage(ctx, message.New("proj", "bob", "hi", message.TypeChat, "[alice]"))
		require.ErrorIs(t, err, message.ErrInvalidRecipient)

		n, err := r.Backend().Count(ctx, "proj")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

// interleavingBackend appends one message from another writer right after
// the first call to the chosen step.
type interleavingBackend struct {
	storage.Backend
	afterLastID bool
	once        sync.Once
	t           *testing.T
}

func (b *interleavingBackend) interleave(ctx context.Context) {
	b.once.Do(func() {
		_, err := b.Backend.Append(ctx, message.New("proj", "carol", "concurrent", message.TypeChat, ""))
		require.NoError(b.t, err)
	})
}

func (b *interleavingBackend) LastID(ctx context.Context, room string) (int64, error) {
	id, err := b.Backend.LastID(ctx, room)
	if b.afterLastID {
		b.interleave(ctx)
	}
	return id, err
}

func (b *interleavingBackend) Read(ctx context.Context, room string, q storage.Query) ([]message.Message, error) {
	msgs, err := b.Backend.Read(ctx, room, q)
	if !b.afterLastID {
		b.interleave(ctx)
	}
	return msgs, err
}

func TestReadDoesNotSkipConcurrentAppend(t *testing.T) {
	for _, afterLastID := range []bool{false, true} {
		forEachBackend(t, func(t *testing.T, r *Room) {
			ctx := context.Background()
			mustSend(t, r, "alice", "first", message.TypeChat)

			ib := &interleavingBackend{Backend: r.Backend(), afterLastID: afterLastID, t: t}
			r = New("proj", ib)

			batch, err := r.Read(ctx, "bob", ReadOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"first"}, contents(batch.Messages))

			batch, err = r.Read(ctx, "bob", ReadOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"concurrent"}, contents(batch.Messages))
		})
	}
}

func TestAppendOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		var want []string
		for i := 0; i < 10; i++ {
			body := strings.Repeat("x", i+1)
			if i%3 == 0 {
				body += "\nmore"
			}
			want = append(want, body)
			mustSend(t, r, "alice", body, message.TypeChat)
		}

		batch, err := r.Read(context.Background(), "bob", ReadOptions{All: true})
		require.NoError(t, err)
		assert.Equal(t, want, contents(batch.Messages))
		for i := 1; i < len(batch.Messages); i++ {
			assert.Greater(t, batch.Messages[i].ID, batch.Messages[i-1].ID)
		}
	})
}

func TestCursorMonotonicity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		mustSend(t, r, "alice", "one", message.TypeChat)
		mustSend(t, r, "alice", "two", message.TypeChat)

		batch, err := r.Read(ctx, "bob", ReadOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, batch.NewCount)

		batch, err = r.Read(ctx, "bob", ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, batch.Messages)
		assert.NotNil(t, batch.Messages)

		quiet, err := r.Read(ctx, "bob", ReadOptions{Quiet: true})
		require.NoError(t, err)
		assert.Nil(t, quiet)

		mustSend(t, r, "alice", "three", message.TypeChat)
		batch, err = r.Read(ctx, "bob", ReadOptions{Quiet: true})
		require.NoError(t, err)
		require.NotNil(t, batch)
		assert.Equal(t, []string{"three"}, contents(batch.Messages))
	})
}

func TestReadLimitAsymmetry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
			mustSend(t, r, "alice", body, message.TypeChat)
		}

		all, err := r.Read(ctx, "bob", ReadOptions{All: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"m4", "m5"}, contents(all.Messages))
		assert.Equal(t, 5, all.Total)

		fresh, err := r.Read(ctx, "carol", ReadOptions{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, contents(fresh.Messages))

		// The cursor still jumped to the end; the rest is not replayed.
		again, err := r.Read(ctx, "carol", ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, again.Messages)
	})
}

func TestFilteredReadAdvancesCursor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		mustSend(t, r, "alice", "chatter", message.TypeChat)
		mustSend(t, r, "alice", "do this", message.TypeTask)
		mustSend(t, r, "alice", "@carol private", message.TypeChat)

		tasks, err := r.Read(ctx, "bob", ReadOptions{Type: message.TypeTask})
		require.NoError(t, err)
		assert.Equal(t, []string{"do this"}, contents(tasks.Messages))

		rest, err := r.Read(ctx, "bob", ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, rest.Messages)

		mine, err := r.Read(ctx, "dave", ReadOptions{ForMe: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"chatter", "do this"}, contents(mine.Messages))
	})
}

func TestPendingAndCheck(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		mustSend(t, r, "alice", "old", message.TypeChat)

		_, err := r.Read(ctx, "bob", ReadOptions{})
		require.NoError(t, err)

		p, err := r.Pending(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, p.Pending)
		assert.Empty(t, p.Messages)

		mustSend(t, r, "alice", "new one", message.TypeChat)
		mustSend(t, r, "alice", "@carol not for bob", message.TypeChat)

		marked, err := r.MarkPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, marked)

		// A second pass does not overwrite the existing marker.
		marked, err = r.MarkPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, marked)

		mustSend(t, r, "alice", "after marking", message.TypeChat)

		res, err := r.Check(ctx, "bob", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"new one"}, contents(res.PendingMessages))
		assert.Equal(t, []string{"after marking"}, contents(res.NewMessages))
		assert.Equal(t, 1, res.PendingCount)
		assert.Equal(t, 1, res.NewCount)
		assert.Equal(t, 2, res.Total)

		// The marker is consumed.
		p, err = r.Pending(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, p.Pending)
	})
}

func TestPendingWithoutForMe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		mustSend(t, r, "alice", "a", message.TypeChat)
		mustSend(t, r, "alice", "@carol b", message.TypeChat)

		last, err := r.Backend().LastID(ctx, "proj")
		require.NoError(t, err)
		require.NoError(t, r.Backend().SetPendingRange(ctx, "bob", "proj", storage.Range{Start: 0, End: last}))

		p, err := r.Pending(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, p.Pending)
		assert.Equal(t, 2, p.Count)
		assert.Equal(t, []string{"a", "b"}, contents(p.Messages))

		cur, err := r.Backend().Cursor(ctx, "bob", "proj")
		require.NoError(t, err)
		assert.Equal(t, last, cur)
	})
}

func TestClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()
		mustSend(t, r, "alice", "x", message.TypeChat)
		_, err := r.Read(ctx, "bob", ReadOptions{})
		require.NoError(t, err)

		require.NoError(t, r.Clear(ctx))

		st, err := r.Status(ctx)
		require.NoError(t, err)
		assert.False(t, st.Active)
		assert.Equal(t, 0, st.MessageCount)
		assert.Empty(t, st.Readers)
	})
}

func TestBroadcast(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()

		res, err := r.Broadcast(ctx, "@all standup now", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Targets)
		require.Len(t, res.Receipts, 1)

		res, err = r.Broadcast(ctx, "@alice @bob review please", func(s string) string { return "proj-" + s })
		require.NoError(t, err)
		assert.Equal(t, []string{"proj-alice", "proj-bob"}, res.Targets)

		batch, err := r.Read(ctx, "proj-alice", ReadOptions{ForMe: true})
		require.NoError(t, err)
		require.Len(t, batch.Messages, 2)
		assert.Equal(t, "[BROADCAST TO: @all] standup now", batch.Messages[0].Content)
		assert.Equal(t, "[BROADCAST TO: @proj-alice] review please", batch.Messages[1].Content)
		assert.Equal(t, message.TypeBroadcast, batch.Messages[1].Type)
		assert.Equal(t, HumanSender, batch.Messages[1].Sender)

		_, err = r.Broadcast(ctx, "@alice", nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
}

func TestWait(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		ctx := context.Background()

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = r.Send(context.Background(), "alice", "arrived", message.TypeChat, "")
		}()

		res, err := r.Wait(ctx, "bob", WaitOptions{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, []string{"arrived"}, contents(res.Messages))

		_, err = r.Wait(ctx, "bob", WaitOptions{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond})
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestWaitForMeIgnoresOthers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		mustSend(t, r, "alice", "@carol only carol", message.TypeChat)

		_, err := r.Wait(context.Background(), "bob", WaitOptions{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond, ForMe: true})
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestWatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Room) {
		mustSend(t, r, "alice", "old one", message.TypeChat)
		mustSend(t, r, "alice", "old two", message.TypeChat)
		_, err := r.Read(context.Background(), "bob", ReadOptions{})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var marked []string
		got := make(chan string, 10)
		done := make(chan error, 1)
		go func() {
			done <- r.Watch(ctx, WatchOptions{
				Interval:    10 * time.Millisecond,
				History:     1,
				MarkPending: true,
				OnMarked:    func(readers []string) { marked = append(marked, readers...) },
			}, func(m message.Message) error {
				got <- m.Content
				return nil
			})
		}()

		assert.Equal(t, "old two", <-got)
		mustSend(t, r, "carol", "fresh", message.TypeStatus)
		assert.Equal(t, "fresh", <-got)

		require.Eventually(t, func() bool {
			rng, ok, err := r.Backend().PendingRange(context.Background(), "bob", "proj")
			return err == nil && ok && rng.End == 3
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, []string{"bob"}, marked)

		// Watching moved nobody's cursor.
		cur, err := r.Backend().Cursor(context.Background(), "bob", "proj")
		require.NoError(t, err)
		assert.Equal(t, int64(2), cur)
	})
}
