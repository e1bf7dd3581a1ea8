package server

import (
	"github.com/alimasry/go-patch-history/store"
)

// subscription is a client joining a session together with the document
// state loaded for it.
type subscription struct {
	client  *Client
	fields  map[string]any
	history []*store.Patch
}

// Session fans the patches of a single document out to its subscribers.
// All state changes are serialized through a single goroutine.
type Session struct {
	ref      string
	revision int
	// lastID is the newest patch already counted. Patch ids sort by
	// creation, so anything not above it has been seen.
	lastID  string
	clients map[*Client]bool

	incoming chan *store.Patch
	join     chan subscription
	leave    chan *Client
	stop     chan struct{}
}

func newSession(ref string) *Session {
	return &Session{
		ref:      ref,
		clients:  make(map[*Client]bool),
		incoming: make(chan *store.Patch, 64),
		join:     make(chan subscription, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
	}
}

// Run is the session's main loop.
func (s *Session) Run() {
	for {
		select {
		case sub := <-s.join:
			s.handleJoin(sub)
		case c := <-s.leave:
			s.handleLeave(c)
		case p := <-s.incoming:
			s.handlePatch(p)
		case <-s.stop:
			return
		}
	}
}

// remove asks the session to drop c. It does not block once the session
// has stopped.
func (s *Session) remove(c *Client) {
	select {
	case s.leave <- c:
	case <-s.stop:
	}
}

func (s *Session) handleJoin(sub subscription) {
	if n := len(sub.history); n > 0 && sub.history[n-1].ID > s.lastID {
		s.lastID = sub.history[n-1].ID
		s.revision = n
	}

	c := sub.client
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	// Send the current document state to the subscribing client.
	c.sendMsg(ServerMessage{
		Type:        MsgDoc,
		Ref:         s.ref,
		Revision:    s.revision,
		Fields:      sub.fields,
		Subscribers: len(s.clients),
	})
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (s *Session) handlePatch(p *store.Patch) {
	if p.ID <= s.lastID {
		return
	}
	s.lastID = p.ID
	s.revision++

	msg := ServerMessage{
		Type:     MsgPatch,
		Ref:      s.ref,
		Revision: s.revision,
		Patch:    p,
	}
	for c := range s.clients {
		c.sendMsg(msg)
	}
}

