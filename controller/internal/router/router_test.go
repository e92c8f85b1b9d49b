package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/agentregistry"
	"github.com/ogent-io/ogent/controller/internal/aistage"
	"github.com/ogent-io/ogent/controller/internal/broadcaster"
	"github.com/ogent-io/ogent/controller/internal/commandregistry"
	"github.com/ogent-io/ogent/shared/protocol"
	"github.com/ogent-io/ogent/shared/types"
)

type fakeSession struct {
	id      string
	sent    []protocol.Envelope
	closed  bool
	sendErr error
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(env protocol.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *agentregistry.Registry, *commandregistry.Registry) {
	t.Helper()
	logger := zap.NewNop()
	agents := agentregistry.New(logger)
	commands := commandregistry.New(100)
	ai := aistage.New(nil, true, 0, logger)
	r := New(agents, commands, broadcaster.NewMemory(), ai, nil, cfg, logger)
	return r, agents, commands
}

func progressEnvelope(t *testing.T, commandID string) protocol.Envelope {
	t.Helper()
	env, err := protocol.Encode(protocol.EventCommandProgress, protocol.CommandProgressPayload{
		CommandID:   commandID,
		Status:      types.CommandRunning,
		StdoutChunk: "line\n",
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("encode progress: %v", err)
	}
	return env
}

func resultEnvelope(t *testing.T, commandID string, exitCode int, cancelled bool) protocol.Envelope {
	t.Helper()
	env, err := protocol.Encode(protocol.EventCommandResult, protocol.CommandResultPayload{
		CommandID:     commandID,
		ExitCode:      exitCode,
		Stdout:        "hi\n",
		ExecutionType: types.ExecutorLocal,
		Cancelled:     cancelled,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	return env
}

func TestExecuteDispatchesToLiveSession(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{})
	sess := &fakeSession{id: "sess-1"}
	agents.Register("agent-1", types.Info{}, sess)

	cmd, err := r.Execute(context.Background(), "agent-1", "req-1", "echo hi", types.TargetLocal, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd.Status != types.CommandDispatched {
		t.Fatalf("status = %s, want dispatched", cmd.Status)
	}
	if cmd.Timestamps.Dispatched.IsZero() {
		t.Error("dispatched timestamp not set")
	}

	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d envelopes, want 1", len(sess.sent))
	}
	if sess.sent[0].Event != protocol.EventExecuteCommand {
		t.Fatalf("event = %s, want execute_command", sess.sent[0].Event)
	}
	var p protocol.ExecuteCommandPayload
	if err := sess.sent[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CommandID != cmd.ID || p.Command != "echo hi" {
		t.Errorf("payload = %+v, want command_id %s, command %q", p, cmd.ID, "echo hi")
	}
}

func TestExecuteUndeliverableWhenAgentOffline(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})

	cmd, err := r.Execute(context.Background(), "agent-ghost", "req-1", "echo hi", types.TargetAuto, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd.Status != types.CommandFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if cmd.FailureKind != types.FailureNotDeliverable {
		t.Errorf("failure kind = %s, want not_deliverable", cmd.FailureKind)
	}
}

func TestExecuteUndeliverableWhenSendFails(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{})
	sess := &fakeSession{id: "sess-1", sendErr: errors.New("session closed")}
	agents.Register("agent-1", types.Info{}, sess)

	cmd, err := r.Execute(context.Background(), "agent-1", "req-1", "echo hi", types.TargetAuto, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd.Status != types.CommandFailed || cmd.FailureKind != types.FailureNotDeliverable {
		t.Errorf("status = %s/%s, want failed/not_deliverable", cmd.Status, cmd.FailureKind)
	}
}

func TestExecuteRejectsUnsafeWithAI(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{})
	sess := &fakeSession{id: "sess-1"}
	agents.Register("agent-1", types.Info{}, sess)

	cmd, err := r.Execute(context.Background(), "agent-1", "req-1", "rm -rf /", types.TargetAuto, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd.Status != types.CommandFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if cmd.FailureKind != types.FailureAIRejected {
		t.Errorf("failure kind = %s, want ai_rejected (a veto, not a backend outage)", cmd.FailureKind)
	}
	if cmd.AIResult == nil || cmd.AIResult.Validation.Safe {
		t.Errorf("AIResult = %+v, want attached unsafe validation", cmd.AIResult)
	}
	if len(sess.sent) != 0 {
		t.Errorf("agent received %d envelopes, want 0 (no dispatch on reject)", len(sess.sent))
	}
}

func TestProgressAndResultDriveStateMachine(t *testing.T) {
	r, agents, commands := newTestRouter(t, Config{})
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "echo hi", types.TargetLocal, false)

	r.handleProgress(progressEnvelope(t, cmd.ID))
	got, _ := commands.Get(cmd.ID)
	if got.Status != types.CommandRunning {
		t.Fatalf("status after progress = %s, want running", got.Status)
	}
	if got.Timestamps.FirstProgress.IsZero() {
		t.Error("first_progress timestamp not set")
	}

	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))
	got, _ = commands.Get(cmd.ID)
	if got.Status != types.CommandCompleted {
		t.Fatalf("status after result = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.Stdout != "hi\n" {
		t.Errorf("result = %+v, want stdout %q", got.Result, "hi\n")
	}
}

func TestResultBeforeAnyProgress(t *testing.T) {
	r, agents, commands := newTestRouter(t, Config{})
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "true", types.TargetLocal, false)
	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))

	got, _ := commands.Get(cmd.ID)
	if got.Status != types.CommandCompleted {
		t.Errorf("status = %s, want completed straight from dispatched", got.Status)
	}
}

func TestNonZeroExitFails(t *testing.T) {
	r, agents, commands := newTestRouter(t, Config{})
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "false", types.TargetLocal, false)
	r.handleResult(resultEnvelope(t, cmd.ID, 2, false))

	got, _ := commands.Get(cmd.ID)
	if got.Status != types.CommandFailed || got.FailureKind != types.FailureExecutionError {
		t.Errorf("status = %s/%s, want failed/execution_error", got.Status, got.FailureKind)
	}
}

func TestNoProgressAfterTerminal(t *testing.T) {
	r, agents, commands := newTestRouter(t, Config{})
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "echo hi", types.TargetLocal, false)
	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))

	r.handleProgress(progressEnvelope(t, cmd.ID))
	r.handleResult(resultEnvelope(t, cmd.ID, 1, false))

	got, _ := commands.Get(cmd.ID)
	if got.Status != types.CommandCompleted {
		t.Errorf("status regressed to %s after terminal", got.Status)
	}
	if got.LateFrames != 2 {
		t.Errorf("late frames = %d, want 2", got.LateFrames)
	}
}

func TestSingleTerminalEventPerCommand(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{})
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "echo hi", types.TargetLocal, false)

	events, cancel, err := r.Subscribe(cmd.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.handleProgress(progressEnvelope(t, cmd.ID))
	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))
	r.handleResult(resultEnvelope(t, cmd.ID, 1, false)) // duplicate terminal
	cancel()

	terminals := 0
	for ev := range events {
		if ev.Terminal {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("observed %d terminal events, want exactly 1", terminals)
	}
}

func TestDeadlineSweepCancelsThenLoses(t *testing.T) {
	cfg := Config{CommandDeadlineDefault: 10 * time.Millisecond, GraceInterval: 10 * time.Millisecond}
	r, agents, commands := newTestRouter(t, cfg)
	sess := &fakeSession{id: "sess-1"}
	agents.Register("agent-1", types.Info{}, sess)

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "sleep 9999", types.TargetLocal, false)

	// Backdate creation past the deadline and sweep: cancel_command goes out.
	commands.Mutate(cmd.ID, func(c *commandregistry.Command) {
		c.Timestamps.Created = time.Now().UTC().Add(-time.Minute)
	})
	r.sweep()

	var sawCancel bool
	for _, env := range sess.sent {
		if env.Event == protocol.EventCancelCommand {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatal("no cancel_command emitted after deadline expiry")
	}
	got, _ := commands.Get(cmd.ID)
	if got.Status.Terminal() {
		t.Fatalf("status = %s right after cancel, want still live during grace", got.Status)
	}

	// Backdate the cancel notification past the grace window: Lost.
	r.mu.Lock()
	r.deadlineNotified[cmd.ID] = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.sweep()

	got, _ = commands.Get(cmd.ID)
	if got.Status != types.CommandLost || got.FailureKind != types.FailureLost {
		t.Errorf("status = %s/%s, want lost/lost", got.Status, got.FailureKind)
	}
}

func TestDisconnectGraceMarksInFlightLost(t *testing.T) {
	cfg := Config{GraceInterval: 10 * time.Millisecond}
	r, agents, commands := newTestRouter(t, cfg)
	sess := &fakeSession{id: "sess-1"}
	agents.Register("agent-1", types.Info{}, sess)

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "sleep 9999", types.TargetLocal, false)

	r.OnSessionClose("sess-1")
	if agents.IsConnected("agent-1") {
		t.Fatal("agent still connected after session close")
	}

	// Grace not yet expired: still live.
	r.sweep()
	if got, _ := commands.Get(cmd.ID); got.Status.Terminal() {
		t.Fatalf("status = %s before grace expiry, want live", got.Status)
	}

	r.mu.Lock()
	r.disconnected["agent-1"] = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.sweep()

	got, _ := commands.Get(cmd.ID)
	if got.Status != types.CommandLost {
		t.Fatalf("status = %s after grace expiry, want lost", got.Status)
	}

	// A late result after Lost is recorded as late, not re-transitioned.
	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))
	got, _ = commands.Get(cmd.ID)
	if got.Status != types.CommandLost || got.LateFrames != 1 {
		t.Errorf("after late result: status = %s late_frames = %d, want lost/1", got.Status, got.LateFrames)
	}
}

func TestReconnectWithinGraceKeepsCommands(t *testing.T) {
	cfg := Config{GraceInterval: time.Hour}
	r, agents, commands := newTestRouter(t, cfg)
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-1"})

	cmd, _ := r.Execute(context.Background(), "agent-1", "req-1", "sleep 60", types.TargetLocal, false)

	r.OnSessionClose("sess-1")
	agents.Register("agent-1", types.Info{}, &fakeSession{id: "sess-2"})

	// Even with the disconnect record backdated, a reconnected agent keeps
	// its in-flight commands.
	r.mu.Lock()
	r.disconnected["agent-1"] = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.sweep()

	got, _ := commands.Get(cmd.ID)
	if got.Status.Terminal() {
		t.Errorf("status = %s after reconnect within grace, want live", got.Status)
	}

	// The original command_id still correlates on the new session.
	r.handleResult(resultEnvelope(t, cmd.ID, 0, false))
	got, _ = commands.Get(cmd.ID)
	if got.Status != types.CommandCompleted {
		t.Errorf("status = %s, want completed from result on new session", got.Status)
	}
}

func TestAgentChannelForwardsToLocalSession(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{})
	sess := &fakeSession{id: "sess-1"}
	agents.Register("agent-1", types.Info{}, sess)
	r.subscribeAgentChannel("agent-1")
	defer r.unsubscribeAgentChannel("agent-1")

	// A frame published by another replica on the agent's inbound channel
	// lands on this replica's session.
	env, _ := protocol.Encode(protocol.EventCancelCommand, protocol.CancelCommandPayload{CommandID: "cmd-x"})
	payload, _ := json.Marshal(env)
	if err := r.bcast.Publish(broadcaster.AgentChannel("agent-1"), payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(sess.sent) != 1 || sess.sent[0].Event != protocol.EventCancelCommand {
		t.Fatalf("sent = %+v, want the forwarded cancel_command", sess.sent)
	}
}

func TestSendCancelPublishesWhenAgentNotLocal(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})

	var got []protocol.Envelope
	unsub, err := r.bcast.Subscribe(broadcaster.AgentChannel("agent-1"), func(payload []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Errorf("bad agent-channel payload: %v", err)
			return
		}
		got = append(got, env)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	r.sendCancel("cmd-1", "agent-1")

	if len(got) != 1 || got[0].Event != protocol.EventCancelCommand {
		t.Fatalf("channel saw %+v, want one cancel_command", got)
	}
	var p protocol.CancelCommandPayload
	if err := got[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CommandID != "cmd-1" {
		t.Errorf("command_id = %s, want cmd-1", p.CommandID)
	}
}
