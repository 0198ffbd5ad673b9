// Package jsonl appends JSON values to a file one per line and reads them
// back. Every operation takes an flock on the file itself, so independent
// processes may share a file.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nclaude/nclaude/internal/fslock"
)

// lockTimeout bounds how long an operation waits for another process.
const lockTimeout = 5 * time.Second

// Writer provides append-only JSONL writing with file locking.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer for path, creating the file and its parent
// directories if needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304 - path from the data directory
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	_ = f.Close()
	return &Writer{path: path}, nil
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Append marshals v and appends it as one line in a single write.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from the data directory
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := fslock.Lock(ctx, f, fslock.Exclusive); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer fslock.Unlock(f)

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Close is a no-op; Writer holds no file handles between calls.
func (w *Writer) Close() error {
	return nil
}

// Reader reads JSONL files.
type Reader struct {
	path string
}

// NewReader returns a reader for path. The file need not exist yet.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// ReadAll returns every non-empty line. A missing file yields no lines.
func (r *Reader) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := r.withFile(ctx, os.O_RDONLY, fslock.Shared, func(f *os.File) error {
		var err error
		out, err = scan(f)
		return err
	})
	return out, err
}

// Drain returns every line and truncates the file under one exclusive lock,
// so a concurrent Append lands either in the result or in the file.
func (r *Reader) Drain(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := r.withFile(ctx, os.O_RDWR, fslock.Exclusive, func(f *os.File) error {
		var err error
		if out, err = scan(f); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		return nil
	})
	return out, err
}

func (r *Reader) withFile(ctx context.Context, flag int, mode fslock.Mode, fn func(*os.File) error) error {
	f, err := os.OpenFile(r.path, flag, 0600) //nolint:gosec // G304 - path from the data directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if err := fslock.Lock(ctx, f, mode); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer fslock.Unlock(f)
	return fn(f)
}

func scan(f *os.File) ([]json.RawMessage, error) {
	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return out, nil
}
