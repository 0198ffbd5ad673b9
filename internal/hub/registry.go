package hub

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// conn is one transport endpoint: a Unix socket or a WebSocket. Only the
// event loop writes to it.
type conn interface {
	WriteFrame(data []byte, deadline time.Time) error
	Close() error
}

// peer is a connected endpoint. session and closed are owned by the event
// loop.
type peer struct {
	id      string
	kind    string
	conn    conn
	limiter *rate.Limiter
	session string
	closed  bool
}

// Registry maps session ids to their connection. The event loop is the
// only writer; the mutex lets other goroutines read the online list.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*peer)}
}

// register binds session to p and returns the peer it displaced, if any.
func (r *Registry) register(session string, p *peer) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[session]
	r.sessions[session] = p
	if prev == p {
		return nil
	}
	return prev
}

// unregister removes session only while it still points at p, so a stale
// connection cannot evict its replacement.
func (r *Registry) unregister(session string, p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[session]; ok && cur == p {
		delete(r.sessions, session)
		return true
	}
	return false
}

func (r *Registry) lookup(session string) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[session]
	return p, ok
}

// peers returns every registered peer in session order.
func (r *Registry) peers() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*peer, 0, len(r.sessions))
	for _, p := range r.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session < out[j].session })
	return out
}

// Sessions returns the registered session ids, sorted.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
