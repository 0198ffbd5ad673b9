package room

import (
	"context"
	"time"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/storage"
)

// WatchOptions controls Watch.
type WatchOptions struct {
	Interval time.Duration
	// History replays this many recent messages before tailing.
	History int
	// MarkPending records pending ranges for trailing readers on every
	// poll that saw new messages.
	MarkPending bool
	// OnMarked is called with the readers MarkPending marked.
	OnMarked func(readers []string)
}

// Watch tails the room, calling fn for every message appended after it
// starts, until ctx is done or fn returns an error. It moves no cursor.
// A done ctx is a normal end and returns nil.
func (r *Room) Watch(ctx context.Context, opts WatchOptions, fn func(message.Message) error) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	last, err := r.backend.LastID(ctx, r.name)
	if err != nil {
		return err
	}

	if opts.History > 0 {
		recent, err := r.backend.Read(ctx, r.name, storage.Query{})
		if err != nil {
			return err
		}
		if len(recent) > opts.History {
			recent = recent[len(recent)-opts.History:]
		}
		for _, m := range recent {
			if err := fn(m); err != nil {
				return err
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		msgs, err := r.backend.Read(ctx, r.name, storage.Query{SinceID: last})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
		}

		// Clear resets ids; follow the new high-water mark either way.
		cur, err := r.backend.LastID(ctx, r.name)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		last = cur

		if opts.MarkPending && len(msgs) > 0 {
			marked, err := r.MarkPending(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}
			if len(marked) > 0 && opts.OnMarked != nil {
				opts.OnMarked(marked)
			}
		}
	}
}
