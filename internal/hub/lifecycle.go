package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nclaude/nclaude/internal/fslock"
)

// Lifecycle runs a hub as a process: it holds the hub lock, writes the pid
// file, starts the server (and optional WebSocket bridge), and tears
// everything down on SIGINT, SIGTERM, context cancellation or Shutdown.
type Lifecycle struct {
	server   *Server
	bridge   *WSBridge
	pidFile  string
	lockFile string
	roomName string
	logger   *slog.Logger

	lock         *fslock.FileLock
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// NewLifecycle prepares a lifecycle for server. bridge may be nil.
func NewLifecycle(server *Server, bridge *WSBridge, pidFile, lockFile, roomName string) *Lifecycle {
	return &Lifecycle{
		server:     server,
		bridge:     bridge,
		pidFile:    pidFile,
		lockFile:   lockFile,
		roomName:   roomName,
		logger:     server.logger,
		shutdownCh: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run blocks until shutdown. Socket, pid file and lock are removed on every
// exit path.
func (l *Lifecycle) Run(ctx context.Context) error {
	defer close(l.stopped)

	lock, err := fslock.Acquire(l.lockFile)
	if err != nil {
		if errors.Is(err, fslock.ErrLocked) {
			return fmt.Errorf("hub already running: %w", err)
		}
		return fmt.Errorf("acquire hub lock: %w", err)
	}
	l.lock = lock
	defer func() {
		if err := l.lock.Release(); err != nil {
			l.logger.Warn("release lock failed", "error", err)
		}
	}()

	// The lock is authoritative; a live pid here belongs to an unrelated
	// process that reused the number.
	if running, info, err := CheckPIDFile(l.pidFile); err != nil {
		l.logger.Warn("unreadable pid file, overwriting", "path", l.pidFile, "error", err)
	} else if running {
		l.logger.Warn("stale pid file names a live process, overwriting", "pid", info.PID)
	}

	info := PIDInfo{
		PID:        os.Getpid(),
		Room:       l.roomName,
		SocketPath: l.server.SocketPath(),
		StartedAt:  time.Now().UTC(),
	}

	defer func() {
		// Stopping the hub first closes WebSocket peers so the bridge's
		// readers can return.
		if err := l.server.Stop(); err != nil {
			l.logger.Warn("stop hub failed", "error", err)
		}
		if l.bridge != nil {
			if err := l.bridge.Stop(); err != nil {
				l.logger.Warn("stop websocket bridge failed", "error", err)
			}
		}
		if err := RemovePIDFile(l.pidFile); err != nil {
			l.logger.Warn("remove pid file failed", "error", err)
		}
	}()

	if err := l.server.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	if l.bridge != nil {
		if err := l.bridge.Start(ctx); err != nil {
			return fmt.Errorf("start websocket bridge: %w", err)
		}
		info.WSAddr = l.bridge.Addr()
	}
	if err := WritePIDFile(l.pidFile, info); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	case <-l.shutdownCh:
	}
	return nil
}

// Shutdown asks Run to return.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdownCh) })
}

// Wait blocks until Run has returned or timeout elapses.
func (l *Lifecycle) Wait(timeout time.Duration) error {
	select {
	case <-l.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("hub did not stop within %v", timeout)
	}
}

// Status describes a hub from its on-disk artifacts.
type Status struct {
	Running bool     `json:"running"`
	Info    PIDInfo  `json:"info"`
	Online  []string `json:"online,omitempty"`
}

// ReadStatus checks the lock and pid file.
func ReadStatus(pidFile, lockFile string) (*Status, error) {
	running, info, err := CheckPIDFile(pidFile)
	if err != nil {
		return nil, err
	}
	return &Status{Running: running && fslock.IsLocked(lockFile), Info: info}, nil
}

// Terminate sends SIGTERM to the hub named by pidFile and waits for it to
// exit. It returns ErrHubNotRunning when no live hub is recorded.
func Terminate(ctx context.Context, pidFile string) error {
	running, info, err := CheckPIDFile(pidFile)
	if err != nil {
		return err
	}
	if !running {
		_ = RemovePIDFile(pidFile)
		return ErrHubNotRunning
	}

	process, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("find hub process %d: %w", info.PID, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal hub process %d: %w", info.PID, err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !isProcessRunning(info.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("hub process %d still running: %w", info.PID, ctx.Err())
		case <-ticker.C:
		}
	}
}
