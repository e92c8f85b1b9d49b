// Package transport implements the Controller side of the event protocol
// channel: a gorilla/websocket upgrade per Agent connection, framed as
// protocol.Envelope messages, fed through a single-writer event loop Hub.
package transport

import (
	"context"
	"sync"
)

// Hub is the central registry of live transport sessions. Unlike a
// topic-based pub/sub broker, each Session here corresponds to exactly one
// Agent connection — the Hub's job is connection bookkeeping and broadcast
// to all sessions (used only for shutdown), not per-topic fan-out. Fan-out
// of command events to a specific Agent or requester happens by looking up
// the target Session directly (see agentregistry.Dispatch).
//
// # Design: single-writer event loop
//
// All mutations to the session registry are serialised through a single
// goroutine — the Run loop — via channels. Run still takes mu around each
// mutation so that Get and ConnectedCount can read the map concurrently.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session id

	register   chan *Session
	unregister chan *Session
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 16),
		unregister: make(chan *Session, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Must be called exactly once, in its own
// goroutine. Exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case sess := <-h.register:
			h.mu.Lock()
			h.sessions[sess.ID()] = sess
			h.mu.Unlock()

		case sess := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[sess.ID()]; ok {
				delete(h.sessions, sess.ID())
				close(sess.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, sess := range h.sessions {
				close(sess.send)
			}
			h.sessions = make(map[string]*Session)
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe registers sess with the hub. Called once the session's upgrade
// has completed and it is ready to receive frames.
func (h *Hub) Subscribe(sess *Session) {
	h.register <- sess
}

// Unsubscribe removes sess from the hub. Called by the session's readPump
// when the connection closes.
func (h *Hub) Unsubscribe(sess *Session) {
	h.unregister <- sess
}

// Get returns the live session for id, if any.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

// ConnectedCount returns the number of currently connected sessions.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
