package commandregistry

import (
	"testing"
	"time"

	"github.com/ogent-io/ogent/shared/types"
)

func TestCreateAndGet(t *testing.T) {
	r := New(10)
	cmd := r.Create("cmd-1", "agent-1", "req-1", "uptime", types.TargetAuto)

	if cmd.Status != types.CommandPending {
		t.Fatalf("status = %s, want pending", cmd.Status)
	}

	got, ok := r.Get("cmd-1")
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.ID != "cmd-1" {
		t.Errorf("ID = %s, want cmd-1", got.ID)
	}
}

func TestMutateMovesTerminalOutOfLive(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "uptime", types.TargetAuto)

	r.Mutate("cmd-1", func(c *Command) {
		c.Status = types.CommandCompleted
		c.Timestamps.Terminal = time.Now().UTC()
	})

	r.mu.Lock()
	_, stillLive := r.live["cmd-1"]
	r.mu.Unlock()
	if stillLive {
		t.Fatalf("command still present in live index after terminal transition")
	}

	got, ok := r.Get("cmd-1")
	if !ok || got.Status != types.CommandCompleted {
		t.Fatalf("Get after terminal: ok=%v status=%v", ok, got)
	}
}

func TestRetentionBoundEvictsOldestTerminal(t *testing.T) {
	r := New(2)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		r.Create(id, "agent-1", "req-1", "echo", types.TargetAuto)
		r.Mutate(id, func(c *Command) { c.Status = types.CommandCompleted })
	}

	if _, ok := r.Get("a"); ok {
		t.Errorf("oldest terminal command should have been evicted")
	}
	if _, ok := r.Get("c"); !ok {
		t.Errorf("most recent terminal command should still be retained")
	}
}

func TestListByAgentMostRecentFirst(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "a", types.TargetAuto)
	time.Sleep(time.Millisecond)
	r.Create("cmd-2", "agent-1", "req-1", "b", types.TargetAuto)

	list := r.ListByAgent("agent-1", 0)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "cmd-2" {
		t.Errorf("first = %s, want cmd-2 (most recent)", list[0].ID)
	}
}

func TestListByAgentRespectsLimit(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "a", types.TargetAuto)
	r.Create("cmd-2", "agent-1", "req-1", "b", types.TargetAuto)

	list := r.ListByAgent("agent-1", 1)
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
}

func TestLateFrameAfterTerminalIsTrackedOnRetainedEntry(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "a", types.TargetAuto)
	r.Mutate("cmd-1", func(c *Command) { c.Status = types.CommandCompleted })

	r.Mutate("cmd-1", func(c *Command) { c.LateFrames++ })

	got, _ := r.Get("cmd-1")
	if got.LateFrames != 1 {
		t.Errorf("LateFrames = %d, want 1", got.LateFrames)
	}
}

func TestListByRequesterMostRecentFirst(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "a", types.TargetAuto)
	time.Sleep(time.Millisecond)
	r.Create("cmd-2", "agent-2", "req-1", "b", types.TargetAuto)
	r.Create("cmd-3", "agent-1", "req-2", "c", types.TargetAuto)

	list := r.ListByRequester("req-1", 0)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "cmd-2" || list[1].ID != "cmd-1" {
		t.Errorf("order = [%s %s], want [cmd-2 cmd-1]", list[0].ID, list[1].ID)
	}
}

func TestDeleteRemovesLiveAndTerminal(t *testing.T) {
	r := New(10)
	r.Create("live", "agent-1", "req-1", "a", types.TargetAuto)
	r.Create("done", "agent-1", "req-1", "b", types.TargetAuto)
	r.Mutate("done", func(c *Command) { c.Status = types.CommandCompleted })

	r.Delete("live")
	r.Delete("done")
	r.Delete("never-existed") // idempotent

	if _, ok := r.Get("live"); ok {
		t.Error("live entry still present after Delete")
	}
	if _, ok := r.Get("done"); ok {
		t.Error("terminal entry still present after Delete")
	}
}

func TestListLiveExcludesTerminal(t *testing.T) {
	r := New(10)
	r.Create("a", "agent-1", "req-1", "x", types.TargetAuto)
	r.Create("b", "agent-1", "req-1", "y", types.TargetAuto)
	r.Mutate("b", func(c *Command) { c.Status = types.CommandFailed })

	live := r.ListLive()
	if len(live) != 1 || live[0].ID != "a" {
		t.Errorf("ListLive = %v, want just a", live)
	}
}

func TestReadsReturnSnapshots(t *testing.T) {
	r := New(10)
	r.Create("cmd-1", "agent-1", "req-1", "uptime", types.TargetAuto)

	got, _ := r.Get("cmd-1")
	got.Status = types.CommandLost
	got.LateFrames = 99

	fresh, _ := r.Get("cmd-1")
	if fresh.Status != types.CommandPending || fresh.LateFrames != 0 {
		t.Error("mutating a Get snapshot leaked into the registry")
	}

	list := r.ListByAgent("agent-1", 0)
	list[0].Status = types.CommandFailed
	fresh, _ = r.Get("cmd-1")
	if fresh.Status != types.CommandPending {
		t.Error("mutating a ListByAgent snapshot leaked into the registry")
	}

	live := r.ListLive()
	live[0].Status = types.CommandFailed
	fresh, _ = r.Get("cmd-1")
	if fresh.Status != types.CommandPending {
		t.Error("mutating a ListLive snapshot leaked into the registry")
	}

	mutated, _ := r.Mutate("cmd-1", func(c *Command) { c.Status = types.CommandDispatched })
	mutated.Status = types.CommandLost
	fresh, _ = r.Get("cmd-1")
	if fresh.Status != types.CommandDispatched {
		t.Error("mutating a Mutate snapshot leaked into the registry")
	}
}

func TestGetDoesNotPromoteTerminalRecency(t *testing.T) {
	r := New(2)
	for _, id := range []string{"old", "new"} {
		r.Create(id, "agent-1", "req-1", "echo", types.TargetAuto)
		r.Mutate(id, func(c *Command) { c.Status = types.CommandCompleted })
	}

	// Heavy query traffic on the oldest terminal entry must not rescue it.
	for i := 0; i < 5; i++ {
		r.Get("old")
	}

	r.Create("newest", "agent-1", "req-1", "echo", types.TargetAuto)
	r.Mutate("newest", func(c *Command) { c.Status = types.CommandCompleted })

	if _, ok := r.Get("old"); ok {
		t.Error("oldest-terminal entry survived eviction after reads")
	}
	if _, ok := r.Get("new"); !ok {
		t.Error("newer-terminal entry was evicted instead of the oldest")
	}
}
