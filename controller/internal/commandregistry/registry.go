// Package commandregistry is the correlation store of in-flight and
// recently completed commands. It is the only writer of Command records;
// the Router drives every mutation.
//
// Retention is bounded: completed commands are kept up to a configured
// count, evicted O(1) in terminal-time order, so late Agent-origin result
// frames can still be correlated or reported missing instead of silently
// dropped.
package commandregistry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ogent-io/ogent/shared/types"
)

// DefaultRetention is the default bound on retained terminal commands:
// the 1000 most-recent, overridable via command_retention.
const DefaultRetention = 1000

// Command is the full registry record for one dispatched command.
type Command struct {
	ID              string
	AgentID         string
	RequesterID     string
	CommandText     string
	ProcessedText   string
	ExecutionTarget types.ExecutionTarget
	Status          types.CommandStatus
	Timestamps      types.Timestamps
	Result          *types.Result
	FailureKind     types.FailureKind
	AIResult        *types.AIResult
	LateFrames      int
}

// Registry indexes commands by id with bounded-retention eviction for
// terminal entries. Live (non-terminal) entries are never evicted by the
// retention bound.
//
// Every read (Get, ListByAgent, ListByRequester, ListLive, and the record
// returned by Mutate) hands out a value copy taken under the registry
// lock, never the live entry — the sweep, the per-session read pumps, and
// the HTTP handlers all read Command fields concurrently with mutations.
type Registry struct {
	mu         sync.Mutex
	live       map[string]*Command
	terminal   *lru.Cache[string, *Command]
	byAgent    map[string][]string // agent_id -> command ids, newest first
	byReq      map[string][]string // requester_id -> command ids, newest first
	retention  int
}

// New creates a Registry with the given terminal-retention bound. A
// retention <= 0 uses DefaultRetention.
func New(retention int) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New[string, *Command](retention)
	if err != nil {
		// Only returns an error for size <= 0, which cannot happen here.
		panic(err)
	}
	return &Registry{
		live:      make(map[string]*Command),
		terminal:  cache,
		byAgent:   make(map[string][]string),
		byReq:     make(map[string][]string),
		retention: retention,
	}
}

// Create allocates a new Pending command and returns a snapshot of it.
func (r *Registry) Create(id, agentID, requesterID, commandText string, target types.ExecutionTarget) *Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := &Command{
		ID:              id,
		AgentID:         agentID,
		RequesterID:     requesterID,
		CommandText:     commandText,
		ProcessedText:   commandText,
		ExecutionTarget: target,
		Status:          types.CommandPending,
		Timestamps:      types.Timestamps{Created: time.Now().UTC()},
	}
	r.live[id] = cmd
	r.byAgent[agentID] = append([]string{id}, r.byAgent[agentID]...)
	r.byReq[requesterID] = append([]string{id}, r.byReq[requesterID]...)
	cp := *cmd
	return &cp
}

// Get returns a snapshot of the command by id, checking live entries
// first, then the terminal retention cache.
func (r *Registry) Get(id string) (*Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.getLocked(id)
	if !ok {
		return nil, false
	}
	cp := *cmd
	return &cp, true
}

// getLocked returns the live entry; callers must copy before releasing
// the lock. Terminal lookups use Peek so a read never promotes recency —
// eviction stays ordered by terminal time, not by query traffic.
func (r *Registry) getLocked(id string) (*Command, bool) {
	if cmd, ok := r.live[id]; ok {
		return cmd, true
	}
	if cmd, ok := r.terminal.Peek(id); ok {
		return cmd, true
	}
	return nil, false
}

// Mutate applies fn to the command under the registry's lock and, if fn
// reports the command reached a terminal status, moves it from the live
// index into the bounded terminal cache. The returned record is a
// snapshot taken after fn ran, not the live entry.
func (r *Registry) Mutate(id string, fn func(*Command)) (*Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.live[id]
	if !ok {
		// Already terminal (or late/unknown) — still allow callers to
		// record late-frame counters against a retained terminal entry.
		if cmd, ok = r.terminal.Peek(id); !ok {
			return nil, false
		}
		fn(cmd)
		cp := *cmd
		return &cp, true
	}

	fn(cmd)
	if cmd.Status.Terminal() {
		delete(r.live, id)
		r.terminal.Add(id, cmd)
	}
	cp := *cmd
	return &cp, true
}

// ListByAgent returns snapshots of up to limit commands targeting agentID,
// most-recent first by created time, ties broken by command_id.
func (r *Registry) ListByAgent(agentID string, limit int) []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(r.byAgent[agentID], limit)
}

// ListByRequester returns snapshots of up to limit commands created for
// requesterID, most-recent first by created time, ties broken by
// command_id.
func (r *Registry) ListByRequester(requesterID string, limit int) []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(r.byReq[requesterID], limit)
}

func (r *Registry) listLocked(ids []string, limit int) []*Command {
	out := make([]*Command, 0, len(ids))
	for _, id := range ids {
		if cmd, ok := r.getLocked(id); ok {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamps.Created.Equal(out[j].Timestamps.Created) {
			return out[i].Timestamps.Created.After(out[j].Timestamps.Created)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListLive returns snapshots of every non-terminal command, in no
// particular order. Used by the Router's deadline/grace sweep, which must
// scan across all agents rather than one at a time.
func (r *Registry) ListLive() []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Command, 0, len(r.live))
	for _, cmd := range r.live {
		cp := *cmd
		out = append(out, &cp)
	}
	return out
}

// Delete removes a command from both the live and terminal indices.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	r.terminal.Remove(id)
}
