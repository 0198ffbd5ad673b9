package hub

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nclaude/nclaude/internal/room"
	"github.com/nclaude/nclaude/internal/storage"
)

const frameWait = 2 * time.Second

// shortSocketPath keeps the path under the sun_path limit, which t.TempDir
// can exceed for long test names.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nch")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "hub.sock")
}

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	b, err := storage.Open(storage.KindLog, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return room.New("proj", b)
}

// startHub starts a hub backed by a fresh room and stops it on cleanup.
func startHub(t *testing.T, opts ...Option) (*Server, *room.Room) {
	t.Helper()
	r := newTestRoom(t)
	s := NewServer(shortSocketPath(t), r, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s, r
}

// rawClient speaks the wire protocol directly.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialRaw(t *testing.T, socketPath string) *rawClient {
	t.Helper()
	c, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &rawClient{t: t, conn: c, rd: bufio.NewReader(c)}
}

// registerRaw connects and completes the handshake.
func registerRaw(t *testing.T, socketPath, session string) *rawClient {
	t.Helper()
	c := dialRaw(t, socketPath)
	c.send(&Frame{Type: FrameRegister, SessionID: session})
	f := c.recv()
	require.Equal(t, FrameRegistered, f.Type)
	require.Equal(t, session, f.SessionID)
	return c
}

func (c *rawClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *rawClient) send(f *Frame) {
	c.t.Helper()
	c.sendLine(string(encodeFrame(f)))
}

func (c *rawClient) recv() Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(frameWait)))
	line, err := c.rd.ReadBytes('\n')
	require.NoError(c.t, err)
	f, ok := decodeFrame(line)
	require.True(c.t, ok, "unparseable frame %q", line)
	return f
}

// expectNothing proves no frame is queued for c: the hub answers requests in
// order, so the next frame after a LIST must be its CLIENT_LIST.
func (c *rawClient) expectNothing() {
	c.t.Helper()
	c.send(&Frame{Type: FrameList})
	f := c.recv()
	require.Equal(c.t, FrameClientList, f.Type, "unexpected frame %+v", f)
}

// expectClosed waits for the hub to close the connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(frameWait)))
	for {
		if _, err := c.rd.ReadBytes('\n'); err != nil {
			var ne net.Error
			require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
			return
		}
	}
}
