package room

import (
	"context"
	"time"

	"github.com/nclaude/nclaude/internal/storage"
)

// Wait bounds.
const (
	MaxWait         = 300 * time.Second
	DefaultInterval = time.Second
)

// WaitOptions controls Wait.
type WaitOptions struct {
	// Timeout is capped at MaxWait; zero or negative means MaxWait.
	Timeout  time.Duration
	Interval time.Duration
	ForMe    bool
}

// WaitResult is a read that happened after waiting.
type WaitResult struct {
	*Batch
	Waited time.Duration `json:"-"`
}

// Wait blocks until the reader has unread messages, then reads them. The
// cursor does not move while waiting. Returns ErrTimeout if nothing arrived
// before the timeout.
func (r *Room) Wait(ctx context.Context, reader string, opts WaitOptions) (*WaitResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ready, err := r.hasUnread(ctx, reader, opts.ForMe)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ready {
			batch, err := r.Read(ctx, reader, ReadOptions{ForMe: opts.ForMe})
			if err != nil {
				return nil, err
			}
			return &WaitResult{Batch: batch, Waited: time.Since(start)}, nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Room) hasUnread(ctx context.Context, reader string, forMe bool) (bool, error) {
	cur, err := r.backend.Cursor(ctx, reader, r.name)
	if err != nil {
		return false, err
	}
	q := storage.Query{SinceID: cur, Limit: 1}
	if forMe {
		q.Recipient = reader
	}
	msgs, err := r.backend.Read(ctx, r.name, q)
	if err != nil {
		return false, err
	}
	return len(msgs) > 0, nil
}
