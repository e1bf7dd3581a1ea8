package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alimasry/go-patch-history/history"
	"github.com/alimasry/go-patch-history/store"
)

type joinRequest struct {
	client *Client
	ref    string
}

// Hub manages per-document feed sessions and routes clients and patches to
// the right session.
type Hub struct {
	model    *history.Model
	sessions map[string]*Session
	mu       sync.RWMutex
	log      *slog.Logger

	joinRef chan joinRequest
	quit    chan struct{}
}

// NewHub creates a hub publishing every patch appended through model.
func NewHub(model *history.Model, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		model:    model,
		sessions: make(map[string]*Session),
		log:      logger.With("component", "hub"),
		joinRef:  make(chan joinRequest, 64),
		quit:     make(chan struct{}),
	}
	model.History().OnPatch(h.Publish)
	return h
}

// Run is the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.joinRef:
			h.handleJoin(req)
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) join(req joinRequest) {
	select {
	case h.joinRef <- req:
	case <-h.quit:
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	ctx := context.Background()
	doc, err := h.model.Get(ctx, req.ref)
	if errors.Is(err, store.ErrNotFound) {
		req.client.sendError("document not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load document", "ref", req.ref, "error", err)
		req.client.sendError("failed to load document")
		return
	}
	patches, err := h.model.Patches().FindByRef(ctx, req.ref, store.Ascending)
	if err != nil {
		h.log.Error("failed to load patches", "ref", req.ref, "error", err)
		req.client.sendError("failed to load patches")
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[req.ref]
	if !ok {
		s = newSession(req.ref)
		h.sessions[req.ref] = s
		go s.Run()
	}
	h.mu.Unlock()

	select {
	case s.join <- subscription{client: req.client, fields: doc.Fields, history: patches}:
	case <-s.stop:
	}
}

// Publish forwards p to the session of its document, if anyone follows it.
func (h *Hub) Publish(p *store.Patch) {
	h.mu.RLock()
	s := h.sessions[p.Ref]
	h.mu.RUnlock()
	if s == nil {
		return
	}
	select {
	case s.incoming <- p:
	case <-s.stop:
	}
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(ref string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[ref]
}

// Close stops the hub loop and every session.
func (h *Hub) Close() {
	close(h.quit)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ref, s := range h.sessions {
		close(s.stop)
		delete(h.sessions, ref)
	}
}
