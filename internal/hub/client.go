package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nclaude/nclaude/internal/jsonl"
	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/room"
)

// Client defaults.
const (
	DefaultAckTimeout = time.Second
	DefaultQueueSize  = 1024
	handshakeTimeout  = 5 * time.Second
	closeTimeout      = 2 * time.Second
)

// InboxEntry is one line of a client's inbox file.
type InboxEntry struct {
	Frame
	ReceivedAt string `json:"received_at"`
}

// ReadInbox returns the entries in the inbox file at path. With drain the
// file is emptied in the same locked step, so each entry is returned once.
// Lines that are not valid entries are skipped.
func ReadInbox(ctx context.Context, path string, drain bool) ([]InboxEntry, error) {
	r := jsonl.NewReader(path)
	read := r.ReadAll
	if drain {
		read = r.Drain
	}
	lines, err := read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	out := make([]InboxEntry, 0, len(lines))
	for _, line := range lines {
		var e InboxEntry
		if err := json.Unmarshal(line, &e); err != nil || !e.IsMessage() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SendResult describes a sent message. Confirmed is false when the hub did
// not acknowledge within the ack timeout; the message is then assumed sent.
type SendResult struct {
	Sent      bool     `json:"sent"`
	ID        string   `json:"id,omitempty"`
	RoutedTo  []string `json:"routed_to,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`
	Confirmed bool     `json:"confirmed"`
	Body      string   `json:"body"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithInbox appends every received message to the JSONL file at path.
func WithInbox(path string) ClientOption {
	return func(c *Client) { c.inboxPath = path }
}

// WithClientLogger sets the logger. The default discards output.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithAckTimeout sets how long Send waits for SENT and List for CLIENT_LIST.
func WithAckTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.ackTimeout = d }
}

// WithQueueSize bounds the receive queue. When full, the oldest message is
// dropped; it is still in the inbox file.
func WithQueueSize(n int) ClientOption {
	return func(c *Client) { c.queueSize = n }
}

// Client is one registered session's connection to the hub. Send and List
// may be called from any goroutine; they are serialized so each waits for
// its own reply.
type Client struct {
	conn       net.Conn
	reader     *bufio.Reader
	session    string
	clients    []string
	logger     *slog.Logger
	inboxPath  string
	inbox      *jsonl.Writer
	ackTimeout time.Duration
	queueSize  int

	reqMu    sync.Mutex
	seq      atomic.Uint64
	acks     chan Frame
	lists    chan Frame
	incoming chan Frame

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub at socketPath and registers session. Any failure
// to connect is reported as ErrHubNotRunning.
func Dial(ctx context.Context, socketPath, session string, opts ...ClientOption) (*Client, error) {
	session = strings.TrimSpace(session)
	if session == "" {
		return nil, errors.New("session id required")
	}

	c := &Client{
		session:    session,
		logger:     slog.New(slog.DiscardHandler),
		ackTimeout: DefaultAckTimeout,
		queueSize:  DefaultQueueSize,
		acks:       make(chan Frame, 1),
		lists:      make(chan Frame, 1),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.incoming = make(chan Frame, c.queueSize)

	if c.inboxPath != "" {
		w, err := jsonl.NewWriter(c.inboxPath)
		if err != nil {
			return nil, fmt.Errorf("open inbox: %w", err)
		}
		c.inbox = w
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHubNotRunning, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)

	if err := c.register(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.receive()
	c.logger.Debug("connected to hub", "session", session, "socket", socketPath)
	return c, nil
}

// register performs the handshake before the receive goroutine starts. The
// hub sends nothing else to an unregistered connection.
func (c *Client) register(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(append(encodeFrame(&Frame{Type: FrameRegister, SessionID: c.session}), '\n')); err != nil {
		return fmt.Errorf("%w: register: %v", ErrConnectionLost, err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("register: %w", ErrTimeout)
			}
			return fmt.Errorf("%w: register: %v", ErrConnectionLost, err)
		}
		f, ok := decodeFrame(line)
		if ok && f.Type == FrameRegistered {
			c.clients = f.Clients
			return nil
		}
	}
}

// Session returns the registered session id.
func (c *Client) Session() string {
	return c.session
}

// Registered returns the client list the hub sent at registration.
func (c *Client) Registered() []string {
	return c.clients
}

// Send sends body as a typ message and waits up to the ack timeout for the
// hub's SENT reply.
func (c *Client) Send(ctx context.Context, body string, typ message.Type) (*SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, room.ErrEmptyMessage
	}
	if typ == "" {
		typ = message.TypeChat
	}
	if !routable(string(typ)) {
		return nil, fmt.Errorf("message type %s cannot be sent through the hub", typ)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ref := c.nextRef()
	if err := c.write(&Frame{Type: string(typ), Body: body, Ref: ref}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.acks:
			if ack.Ref != ref {
				c.logger.Debug("discarding stale acknowledgement", "session", c.session, "ref", ack.Ref)
				continue
			}
			if ack.Type == FrameRejected {
				return &SendResult{Body: body}, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
			}
			return &SendResult{
				Sent:      true,
				ID:        ack.ID,
				RoutedTo:  ack.RoutedTo,
				Broadcast: ack.Broadcast,
				Confirmed: true,
				Body:      body,
			}, nil
		case <-timer.C:
			c.logger.Debug("no acknowledgement from hub, assuming sent", "session", c.session)
			return &SendResult{Sent: true, Body: body}, nil
		case <-c.done:
			return nil, c.lostErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// List asks the hub which sessions are connected.
func (c *Client) List(ctx context.Context) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ref := c.nextRef()
	if err := c.write(&Frame{Type: FrameList, Ref: ref}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-c.lists:
			if reply.Ref != ref {
				continue
			}
			return nonNil(reply.Clients), nil
		case <-timer.C:
			return nil, fmt.Errorf("list: %w", ErrTimeout)
		case <-c.done:
			return nil, c.lostErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// nextRef tags one request so its reply can be told apart from a late reply
// to an earlier request that timed out.
func (c *Client) nextRef() string {
	return c.session + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}

// Receive returns the next queued message. A ctx deadline yields ErrTimeout.
func (c *Client) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.incoming:
		return f, nil
	default:
	}

	select {
	case f := <-c.incoming:
		return f, nil
	case <-c.done:
		// Anything queued before the connection went away still counts.
		select {
		case f := <-c.incoming:
			return f, nil
		default:
		}
		return Frame{}, c.lostErr()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, ErrTimeout
		}
		return Frame{}, ctx.Err()
	}
}

// Drain returns every queued message without blocking.
func (c *Client) Drain() []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.incoming:
			out = append(out, f)
		default:
			return out
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects and waits briefly for the receive goroutine. Safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
		select {
		case <-c.done:
		case <-time.After(closeTimeout):
			c.logger.Warn("receive loop did not exit", "session", c.session)
		}
	})
	return err
}

func (c *Client) lostErr() error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
		return ErrConnectionLost
	}
}

func (c *Client) write(f *Frame) error {
	select {
	case <-c.done:
		return c.lostErr()
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", c.lostErr(), err)
	}
	if _, err := c.conn.Write(append(encodeFrame(f), '\n')); err != nil {
		return fmt.Errorf("%w: %v", c.lostErr(), err)
	}
	return nil
}

// receive is the only reader after registration.
func (c *Client) receive() {
	defer close(c.done)

	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			if f, ok := decodeFrame(line); ok {
				c.dispatch(f)
			}
		}
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.logger.Info("hub connection closed", "session", c.session, "error", err)
			}
			return
		}
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameSent, FrameRejected:
		offer(c.acks, f)
	case FrameClientList:
		offer(c.lists, f)
	case FrameRegistered:
		c.logger.Debug("ignoring late registration reply", "session", c.session)
	default:
		if !f.IsMessage() {
			return
		}
		if c.inbox != nil {
			entry := InboxEntry{Frame: f, ReceivedAt: message.Now()}
			if err := c.inbox.Append(entry); err != nil {
				c.logger.Warn("inbox append failed", "path", c.inbox.Path(), "error", err)
			}
		}
		offer(c.incoming, f)
	}
}

// offer is a non-blocking send that drops the oldest queued value when ch
// is full. receive is the only producer.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
