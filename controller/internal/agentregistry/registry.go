// Package agentregistry maintains the in-memory registry of connected
// agents: one live session per agent_id, with atomic register/unregister/
// update_info and a stale-session eviction rule on agent_id collision.
//
// All state is in-memory and intentionally non-persistent — there is no
// durable agent record. If the Controller restarts, Agents reconnect and
// re-register automatically via their own reconnect loop.
package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/protocol"
	"github.com/ogent-io/ogent/shared/types"
)

// Session is the minimal contract the registry needs from a live transport
// session: the ability to push a frame to the Agent and to be forcibly
// closed when its agent_id is displaced by a newer connection.
type Session interface {
	ID() string
	Send(protocol.Envelope) error
	Close() error
}

// Agent is a connected agent's registry entry.
type Agent struct {
	ID          string
	Info        types.Info
	ConnectedAt time.Time
	session     Session
}

// SessionID returns the transport session currently backing this agent.
func (a *Agent) SessionID() string { return a.session.ID() }

// Registry is the in-memory registry of currently connected agents. Safe
// for concurrent use. The zero value is not usable — use New.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent // keyed by agent_id
	bySession map[string]string // session id -> agent_id
	logger    *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		bySession: make(map[string]string),
		logger:    logger.Named("agentregistry"),
	}
}

// Register binds agentID to sess. If agentID already has a live session,
// the prior session is closed (it has been displaced by a newer
// connection) before the new one takes over — this is the registry's
// collision rule, stricter than simply overwriting the map entry.
func (r *Registry) Register(agentID string, info types.Info, sess Session) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.agents[agentID]; exists {
		r.logger.Warn("evicting stale session on agent_id collision",
			zap.String("agent_id", agentID),
			zap.String("stale_session", prev.session.ID()),
			zap.String("new_session", sess.ID()),
		)
		delete(r.bySession, prev.session.ID())
		_ = prev.session.Close()
	}

	agent := &Agent{
		ID:          agentID,
		Info:        info,
		ConnectedAt: time.Now().UTC(),
		session:     sess,
	}
	r.agents[agentID] = agent
	r.bySession[sess.ID()] = agentID

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Int("total_connected", len(r.agents)),
	)
	return agent
}

// Unregister removes agentID from the registry if its current session
// matches sessionID — a session that has already been displaced must not
// unregister the agent that replaced it.
func (r *Registry) Unregister(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists || agent.session.ID() != sessionID {
		return
	}

	delete(r.agents, agentID)
	delete(r.bySession, sessionID)

	r.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", len(r.agents)),
	)
}

// UpdateInfo applies an agent_info capability update in place.
func (r *Registry) UpdateInfo(agentID string, info types.Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return false
	}
	agent.Info = info
	return true
}

// Dispatch sends an envelope to a specific agent's live session.
func (r *Registry) Dispatch(agentID string, env protocol.Envelope) error {
	r.mu.RLock()
	agent, exists := r.agents[agentID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("agentregistry: agent %s is not connected", agentID)
	}
	if err := agent.session.Send(env); err != nil {
		return fmt.Errorf("agentregistry: send to agent %s: %w", agentID, err)
	}
	return nil
}

// IsConnected reports whether agentID currently has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[agentID]
	return exists
}

// Get returns a snapshot of the registered agent, if any.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return nil, false
	}
	cp := *agent
	return &cp, true
}

// AgentIDBySession resolves a transport session id back to its agent_id.
func (r *Registry) AgentIDBySession(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, exists := r.bySession[sessionID]
	return id, exists
}

// List returns a snapshot of all currently connected agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// WaitForAgent blocks until agentID connects or ctx is cancelled. Polls
// every 500ms — not a hot loop, acceptable for test and manual-trigger use.
func (r *Registry) WaitForAgent(ctx context.Context, agentID string) error {
	for {
		if r.IsConnected(agentID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agentregistry: timed out waiting for agent %s: %w", agentID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
