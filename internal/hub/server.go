package hub

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/room"
)

// Server defaults.
const (
	DefaultWriteTimeout = 2 * time.Second
	tickInterval        = time.Second
	stopTimeout         = 5 * time.Second
	eventQueueSize      = 256
)

type eventKind int

const (
	evConnect eventKind = iota
	evLine
	evClose
)

type event struct {
	kind eventKind
	peer *peer
	line []byte
}

// Server is the hub. One goroutine accepts connections, one goroutine per
// connection frames incoming lines, and a single event-loop goroutine owns
// routing, persistence and every write.
type Server struct {
	socketPath   string
	room         *room.Room
	logger       *slog.Logger
	limits       RateLimitConfig
	writeTimeout time.Duration

	listener net.Listener
	registry *Registry
	events   chan event
	done     chan struct{}
	loopDone chan struct{}

	mu       sync.Mutex
	shutdown bool
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	// peers is owned by the event loop.
	peers map[*peer]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRateLimit enables per-connection rate limiting.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) { s.limits = cfg }
}

// WithWriteTimeout bounds each write to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer returns a hub that listens on socketPath and persists routed
// messages to r. A nil room disables persistence.
func NewServer(socketPath string, r *room.Room, opts ...Option) *Server {
	s := &Server{
		socketPath:   socketPath,
		room:         r,
		logger:       slog.New(slog.DiscardHandler),
		writeTimeout: DefaultWriteTimeout,
		registry:     NewRegistry(),
		events:       make(chan event, eventQueueSize),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		peers:        make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SocketPath returns the listening socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Online returns the registered session ids. Safe from any goroutine.
func (s *Server) Online() []string {
	return s.registry.Sessions()
}

// Start binds the socket and starts the accept and event loops.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
	go s.acceptLoop()

	s.logger.Info("hub started", "socket", s.socketPath)
	return nil
}

// removeStaleSocket deletes a socket file nobody is listening on.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	c, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf("socket %s is in use by another hub", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, force-closes every connection and removes the
// socket file. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener, started := s.listener, s.started
		s.mu.Unlock()

		close(s.done)
		if listener != nil {
			_ = listener.Close()
		}
		if !started {
			return
		}

		waitTimeout(func() { <-s.loopDone }, stopTimeout)
		waitTimeout(s.wg.Wait, stopTimeout)

		if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("remove socket: %w", rmErr)
		}
		s.logger.Info("hub stopped", "socket", s.socketPath)
	})
	return err
}

func waitTimeout(fn func(), d time.Duration) {
	ch := make(chan struct{})
	go func() {
		fn()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
	}
}

func (s *Server) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		p := s.attach("unix", unixConn{c})
		if p == nil {
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		go s.readUnix(p, c)
	}
}

// attach announces a new endpoint to the event loop. It returns nil once the
// hub is stopping.
func (s *Server) attach(kind string, c conn) *peer {
	p := &peer{
		id:      uuid.NewString(),
		kind:    kind,
		conn:    c,
		limiter: s.limits.newLimiter(),
	}
	if !s.post(event{kind: evConnect, peer: p}) {
		return nil
	}
	return p
}

func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// readUnix frames lines from one connection. It never writes.
func (s *Server) readUnix(p *peer, c net.Conn) {
	defer s.wg.Done()

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for sc.Scan() {
		if !s.postLine(p, sc.Bytes()) {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("read failed", "conn", p.id, "error", err)
	}
	s.post(event{kind: evClose, peer: p})
}

func (s *Server) postLine(p *peer, raw []byte) bool {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return true
	}
	return s.post(event{kind: evLine, peer: p, line: append([]byte(nil), line...)})
}

// loop is the only goroutine that touches peer state or writes to clients.
func (s *Server) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-ticker.C:
			if s.stopping() {
				s.closeAll()
				return
			}
		case <-ctx.Done():
			s.closeAll()
			return
		case <-s.done:
			s.closeAll()
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, ev event) {
	p := ev.peer
	switch ev.kind {
	case evConnect:
		s.peers[p] = struct{}{}
		s.logger.Debug("connection opened", "conn", p.id, "transport", p.kind)
	case evClose:
		s.drop(p, "disconnected")
	case evLine:
		if p.closed {
			return
		}
		f, ok := decodeFrame(ev.line)
		if !ok {
			s.logger.Debug("discarding unparseable line", "conn", p.id)
			return
		}
		s.dispatch(ctx, p, &f)
	}
}

func (s *Server) dispatch(ctx context.Context, p *peer, f *Frame) {
	switch {
	case f.Type == FrameRegister:
		s.register(p, f.SessionID)
	case f.Type == FrameList:
		s.send(p, &Frame{Type: FrameClientList, Ref: f.Ref, Clients: s.registry.Sessions()})
	case f.IsMessage():
		s.route(ctx, p, f)
	default:
		s.logger.Debug("ignoring frame", "conn", p.id, "type", f.Type)
	}
}

func (s *Server) register(p *peer, session string) {
	session = strings.TrimSpace(session)
	if session == "" {
		s.logger.Warn("register without session id", "conn", p.id)
		return
	}
	if p.session != "" && p.session != session {
		s.registry.unregister(p.session, p)
	}
	p.session = session
	if prev := s.registry.register(session, p); prev != nil {
		s.logger.Info("session reconnected, closing previous connection", "session", session)
		prev.session = ""
		s.drop(prev, "replaced")
	}
	s.logger.Info("registered", "session", session, "conn", p.id)
	s.send(p, &Frame{Type: FrameRegistered, SessionID: session, Clients: s.registry.Sessions()})
}

// route delivers a message frame by mention, persists it and acknowledges
// the sender.
func (s *Server) route(ctx context.Context, p *peer, f *Frame) {
	if p.session == "" {
		s.logger.Warn("dropping message from unregistered connection", "conn", p.id)
		return
	}
	if strings.TrimSpace(f.Body) == "" {
		s.send(p, &Frame{Type: FrameRejected, Ref: f.Ref, Reason: room.ErrEmptyMessage.Error()})
		return
	}
	if !p.allow() {
		s.send(p, &Frame{Type: FrameRejected, Ref: f.Ref, Reason: "rate limit exceeded"})
		return
	}

	mentions := message.Mentions(f.Body)
	broadcast := len(mentions) == 0 || message.HasBroadcastMention(mentions)

	out := &Frame{
		Type:      f.Type,
		ID:        ulid.Make().String(),
		From:      p.session,
		Body:      f.Body,
		Mentions:  mentions,
		Timestamp: message.Now(),
	}
	if out.Mentions == nil {
		out.Mentions = []string{}
	}
	s.persist(ctx, out, broadcast)

	data := encodeFrame(out)
	if broadcast {
		for _, target := range s.registry.peers() {
			if target != p {
				s.write(target, data)
			}
		}
		s.send(p, &Frame{Type: FrameSent, Ref: f.Ref, ID: out.ID, Broadcast: true})
		return
	}

	routed := []string{}
	for _, name := range mentions {
		target, ok := s.registry.lookup(name)
		if !ok {
			continue
		}
		if s.write(target, data) {
			routed = append(routed, name)
		}
	}
	s.send(p, &Frame{Type: FrameSent, Ref: f.Ref, ID: out.ID, RoutedTo: routed})
}

// persist appends the routed message to the room. A storage failure is
// logged; live delivery still happens.
func (s *Server) persist(ctx context.Context, f *Frame, broadcast bool) {
	if s.room == nil {
		return
	}

	// Every mentioned session is a recipient, not only a leading one.
	content, recipient := f.Body, ""
	if !broadcast {
		if rest, lead := message.SplitRecipient(f.Body); lead != "" {
			content = rest
		}
		recipient = strings.Join(f.Mentions, ",")
	}

	m := message.New(s.room.Name(), f.From, content, message.Type(f.Type), recipient)
	m.Metadata = map[string]any{"hub_id": f.ID}
	stored, err := s.room.SendMessage(ctx, m)
	if err != nil {
		s.logger.Error("persist failed", "id", f.ID, "from", f.From, "error", err)
		return
	}
	f.Timestamp = stored.Timestamp
}

func (s *Server) send(p *peer, f *Frame) {
	s.write(p, encodeFrame(f))
}

// write sends one frame. Any failure drops the peer.
func (s *Server) write(p *peer, data []byte) bool {
	if p.closed {
		return false
	}
	if err := p.conn.WriteFrame(data, time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.Debug("write failed", "conn", p.id, "session", p.session, "error", err)
		s.drop(p, "write failed")
		return false
	}
	return true
}

func (s *Server) drop(p *peer, reason string) {
	if p.closed {
		return
	}
	p.closed = true
	delete(s.peers, p)
	if p.session != "" && s.registry.unregister(p.session, p) {
		s.logger.Info("unregistered", "session", p.session, "reason", reason)
	}
	_ = p.conn.Close()
}

func (s *Server) closeAll() {
	for p := range s.peers {
		s.drop(p, "hub stopping")
	}
}

// unixConn frames writes with a trailing newline.
type unixConn struct {
	net.Conn
}

func (c unixConn) WriteFrame(data []byte, deadline time.Time) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.Write(buf)
	return err
}
