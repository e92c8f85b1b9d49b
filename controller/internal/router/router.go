// Package router implements the Router and the Command state machine: it
// accepts a command request, applies the optional AI
// pre-processing stage, resolves the target agent, dispatches over the
// event protocol, and fans incoming progress/result frames back to the
// requester. It is the only component that transitions a Command's status
// — Agent-origin events are inputs to the Router, never direct writes to
// the registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/agentregistry"
	"github.com/ogent-io/ogent/controller/internal/aistage"
	"github.com/ogent-io/ogent/controller/internal/broadcaster"
	"github.com/ogent-io/ogent/controller/internal/commandregistry"
	"github.com/ogent-io/ogent/controller/internal/metrics"
	"github.com/ogent-io/ogent/controller/internal/transport"
	"github.com/ogent-io/ogent/shared/protocol"
	"github.com/ogent-io/ogent/shared/types"
)

// Default timing, used when the corresponding Config field is zero.
const (
	DefaultCommandDeadline = 5 * time.Minute
	DefaultGraceInterval   = 30 * time.Second
	DefaultSweepInterval   = time.Second
)

// Config holds the Router's tunables, sourced from Controller
// configuration (command_deadline_default, grace_interval).
type Config struct {
	CommandDeadlineDefault time.Duration
	GraceInterval          time.Duration
	SweepInterval          time.Duration
}

func (c Config) withDefaults() Config {
	if c.CommandDeadlineDefault <= 0 {
		c.CommandDeadlineDefault = DefaultCommandDeadline
	}
	if c.GraceInterval <= 0 {
		c.GraceInterval = DefaultGraceInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Event is the Router's internal fan-out record, published over the
// Broadcaster on the command's channel and consumed by Subscribe. It
// carries everything a requester-facing stream (GET /commands/{id}/stream)
// needs to render one frame.
type Event struct {
	CommandID string              `json:"command_id"`
	Status    types.CommandStatus `json:"status"`
	Progress  *int                `json:"progress,omitempty"`
	Stdout    string              `json:"stdout_chunk,omitempty"`
	Stderr    string              `json:"stderr_chunk,omitempty"`
	Message   string              `json:"message,omitempty"`
	Result    *types.Result       `json:"result,omitempty"`
	Terminal  bool                `json:"terminal"`
	Timestamp time.Time           `json:"ts"`
}

type presenceEvent struct {
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"ts"`
}

// Router coordinates the Agent Registry, Command Registry, event protocol
// dispatch, the AI pre-processing stage, and the deadline/grace sweep.
// Construct with New, then call Start to begin the deadline/grace sweep.
type Router struct {
	agents   *agentregistry.Registry
	commands *commandregistry.Registry
	bcast    broadcaster.Broadcaster
	ai       *aistage.Stage
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger

	cron gocron.Scheduler

	mu               sync.Mutex
	deadlineNotified map[string]time.Time // command_id -> when cancel_command was sent
	disconnected     map[string]time.Time // agent_id -> when its session dropped
	agentSubs        map[string]broadcaster.Unsubscribe // agent_id -> agent-channel subscription
}

// New constructs a Router. m may be nil to disable instrumentation.
func New(
	agents *agentregistry.Registry,
	commands *commandregistry.Registry,
	bcast broadcaster.Broadcaster,
	ai *aistage.Stage,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Router {
	return &Router{
		agents:           agents,
		commands:         commands,
		bcast:            bcast,
		ai:               ai,
		metrics:          m,
		cfg:              cfg.withDefaults(),
		logger:           logger.Named("router"),
		deadlineNotified: make(map[string]time.Time),
		disconnected:     make(map[string]time.Time),
		agentSubs:        make(map[string]broadcaster.Unsubscribe),
	}
}

// Start schedules the deadline/grace sweep as a singleton-mode gocron job
// and begins running it. Call once at Controller startup.
func (r *Router) Start(context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("router: creating scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(r.cfg.SweepInterval),
		gocron.NewTask(r.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("router: scheduling deadline sweep: %w", err)
	}

	r.cron = cron
	r.cron.Start()
	r.logger.Info("router started",
		zap.Duration("command_deadline_default", r.cfg.CommandDeadlineDefault),
		zap.Duration("grace_interval", r.cfg.GraceInterval),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
	)
	return nil
}

// Stop shuts down the sweep scheduler, waiting for any in-flight tick to
// finish.
func (r *Router) Stop() error {
	if r.cron == nil {
		return nil
	}
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("router: scheduler shutdown: %w", err)
	}
	return nil
}

// Analyze runs the AI pre-processing stage over command without any
// dispatch — the backing operation for POST /agents/{id}/analyze.
func (r *Router) Analyze(ctx context.Context, command string) types.AIResult {
	return r.ai.Process(ctx, command, true)
}

// Agent returns the registered agent record, or ErrAgentNotFound.
func (r *Router) Agent(agentID string) (*agentregistry.Agent, error) {
	agent, ok := r.agents.Get(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// Agents returns a snapshot of every currently connected agent.
func (r *Router) Agents() []*agentregistry.Agent {
	return r.agents.List()
}

// Command returns the command registry record, or ErrCommandNotFound.
func (r *Router) Command(commandID string) (*commandregistry.Command, error) {
	cmd, ok := r.commands.Get(commandID)
	if !ok {
		return nil, ErrCommandNotFound
	}
	return cmd, nil
}

// Execute accepts a command request: it allocates a command_id, runs the
// optional AI stage, resolves the target agent's live session, and emits
// execute_command. It never returns an error for conditions the state
// machine itself models (unsafe command, agent offline, send failure) —
// those are reported as a terminal Failed status on the returned record.
// A non-nil error here means the request could not even be accepted
// (e.g. context cancellation).
func (r *Router) Execute(
	ctx context.Context,
	agentID, requesterID, commandText string,
	target types.ExecutionTarget,
	useAI bool,
) (*commandregistry.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	r.commands.Create(id, agentID, requesterID, commandText, target)

	aiResult := r.ai.Process(ctx, commandText, useAI)
	r.commands.Mutate(id, func(c *commandregistry.Command) {
		c.ProcessedText = aiResult.ProcessedCommand
		c.AIResult = &aiResult
	})

	if useAI && !aiResult.Validation.Safe && r.ai.RejectUnsafe() {
		r.failCommand(id, types.FailureAIRejected)
		cmd, _ := r.commands.Get(id)
		return cmd, nil
	}

	if !r.agents.IsConnected(agentID) {
		r.failCommand(id, types.FailureNotDeliverable)
		cmd, _ := r.commands.Get(id)
		return cmd, nil
	}

	payload := protocol.ExecuteCommandPayload{
		CommandID:       id,
		Command:         aiResult.ProcessedCommand,
		ExecutionTarget: target,
		RequesterSID:    requesterID,
	}
	env, err := protocol.Encode(protocol.EventExecuteCommand, payload)
	if err != nil {
		return nil, fmt.Errorf("router: encoding execute_command: %w", err)
	}

	if err := r.agents.Dispatch(agentID, env); err != nil {
		r.logger.Warn("dispatch failed, command undeliverable",
			zap.String("command_id", id),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		r.failCommand(id, types.FailureNotDeliverable)
		cmd, _ := r.commands.Get(id)
		return cmd, nil
	}

	cmd, _ := r.commands.Mutate(id, func(c *commandregistry.Command) {
		c.Status = types.CommandDispatched
		c.Timestamps.Dispatched = time.Now().UTC()
	})
	r.publish(cmd, Event{
		CommandID: id,
		Status:    types.CommandDispatched,
		Timestamp: time.Now().UTC(),
	})
	return cmd, nil
}

// failCommand transitions id straight to Failed with the given kind,
// skipping dispatch. Used for validation-fail / ai-reject / undeliverable
// paths that never reach the Agent.
func (r *Router) failCommand(id string, kind types.FailureKind) {
	var transitioned bool
	cmd, ok := r.commands.Mutate(id, func(c *commandregistry.Command) {
		if c.Status.Terminal() {
			return
		}
		c.Status = types.CommandFailed
		c.FailureKind = kind
		c.Timestamps.Terminal = time.Now().UTC()
		transitioned = true
	})
	if !ok || !transitioned {
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveTerminal(types.CommandFailed)
	}
	r.publish(cmd, Event{
		CommandID: id,
		Status:    types.CommandFailed,
		Terminal:  true,
		Timestamp: time.Now().UTC(),
	})
}

// HandleAgentEnvelope is wired as the transport.EnvelopeHandler for every
// Agent session: it decodes the frame by event name and applies it to the
// Agent Registry or Command Registry. This is the only path by which
// Agent-origin events reach either registry.
func (r *Router) HandleAgentEnvelope(sess *transport.Session, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegister:
		r.handleRegister(sess, env)
	case protocol.EventAgentInfo:
		r.handleAgentInfo(sess, env)
	case protocol.EventCommandProgress:
		r.handleProgress(env)
	case protocol.EventCommandResult:
		r.handleResult(env)
	default:
		r.logger.Warn("protocol violation: unknown event",
			zap.String("event", env.Event),
			zap.String("session_id", sess.ID()),
		)
	}
}

// OnSessionClose is wired as the transport.CloseHandler for every Agent
// session: it evicts the agent from the registry and starts the grace
// window the sweep uses to eventually mark its in-flight commands Lost.
func (r *Router) OnSessionClose(sessionID string) {
	agentID, ok := r.agents.AgentIDBySession(sessionID)
	if !ok {
		return
	}
	r.agents.Unregister(agentID, sessionID)
	if !r.agents.IsConnected(agentID) {
		r.unsubscribeAgentChannel(agentID)
	}

	r.mu.Lock()
	r.disconnected[agentID] = time.Now().UTC()
	r.mu.Unlock()

	r.publishPresence(agentID, "agent_disconnected")
	r.setConnectedGauge()
}

func (r *Router) handleRegister(sess *transport.Session, env protocol.Envelope) {
	var p protocol.RegisterPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("protocol violation: bad register payload", zap.Error(err))
		return
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = "agent-" + sess.ID()
	}

	r.agents.Register(agentID, p.Info, sess)

	r.mu.Lock()
	delete(r.disconnected, agentID)
	r.mu.Unlock()

	r.subscribeAgentChannel(agentID)

	ack, err := protocol.Encode(protocol.EventRegisterAck, protocol.RegisterAckPayload{
		AssignedAgentID: agentID,
		Status:          protocol.RegisterAccepted,
	})
	if err != nil {
		r.logger.Error("encoding register_ack", zap.Error(err))
		return
	}
	if err := sess.Send(ack); err != nil {
		r.logger.Warn("sending register_ack", zap.String("agent_id", agentID), zap.Error(err))
	}

	r.publishPresence(agentID, "agent_connected")
	r.setConnectedGauge()
}

func (r *Router) handleAgentInfo(sess *transport.Session, env protocol.Envelope) {
	var p protocol.AgentInfoPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("protocol violation: bad agent_info payload", zap.Error(err))
		return
	}
	agentID, ok := r.agents.AgentIDBySession(sess.ID())
	if !ok {
		return
	}
	r.agents.UpdateInfo(agentID, p.Info)
}

func (r *Router) handleProgress(env protocol.Envelope) {
	var p protocol.CommandProgressPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("protocol violation: bad command_progress payload", zap.Error(err))
		return
	}

	var lateFrame bool
	cmd, ok := r.commands.Mutate(p.CommandID, func(c *commandregistry.Command) {
		if c.Status.Terminal() {
			c.LateFrames++
			lateFrame = true
			return
		}
		if c.Status == types.CommandDispatched {
			c.Status = types.CommandRunning
			c.Timestamps.FirstProgress = time.Now().UTC()
		}
	})
	if !ok {
		r.logger.Warn("command_progress for unknown command_id", zap.String("command_id", p.CommandID))
		return
	}
	if lateFrame {
		return
	}

	r.publish(cmd, Event{
		CommandID: p.CommandID,
		Status:    cmd.Status,
		Progress:  p.Progress,
		Stdout:    p.StdoutChunk,
		Stderr:    p.StderrChunk,
		Message:   p.Message,
		Timestamp: p.Timestamp,
	})
}

func (r *Router) handleResult(env protocol.Envelope) {
	var p protocol.CommandResultPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("protocol violation: bad command_result payload", zap.Error(err))
		return
	}

	status := types.CommandCompleted
	failureKind := types.FailureNone
	switch {
	case p.Cancelled:
		status = types.CommandFailed
		failureKind = types.FailureCancelled
	case p.ExitCode != 0:
		status = types.CommandFailed
		failureKind = types.FailureExecutionError
	}

	result := &types.Result{
		ExitCode:      p.ExitCode,
		Stdout:        p.Stdout,
		Stderr:        p.Stderr,
		ExecutionType: p.ExecutionType,
		Target:        p.Target,
		Cancelled:     p.Cancelled,
	}

	var lateFrame bool
	cmd, ok := r.commands.Mutate(p.CommandID, func(c *commandregistry.Command) {
		if c.Status.Terminal() {
			c.LateFrames++
			lateFrame = true
			return
		}
		c.Status = status
		c.Result = result
		c.FailureKind = failureKind
		c.Timestamps.Terminal = time.Now().UTC()
	})
	if !ok {
		r.logger.Warn("command_result for unknown command_id", zap.String("command_id", p.CommandID))
		return
	}
	if lateFrame {
		r.logger.Info("late command_result after terminal, dropped",
			zap.String("command_id", p.CommandID),
		)
		return
	}

	r.mu.Lock()
	delete(r.deadlineNotified, p.CommandID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveTerminal(status)
	}
	r.publish(cmd, Event{
		CommandID: p.CommandID,
		Status:    status,
		Result:    result,
		Terminal:  true,
		Timestamp: p.Timestamp,
	})
}

// Subscribe opens a live feed of Events for commandID, backed by the
// Broadcaster — the mechanism is identical whether the Controller is
// running standalone (Memory) or as one of several replicas (NATS). The
// returned channel is closed once cancel is called; callers must always
// call cancel to release the subscription.
func (r *Router) Subscribe(commandID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)

	unsub, err := r.bcast.Subscribe(broadcaster.CommandChannel(commandID), func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the broadcaster's
			// delivery goroutine.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("router: subscribing to command %s: %w", commandID, err)
	}

	cancel := func() {
		unsub()
		close(ch)
	}
	return ch, cancel, nil
}

func (r *Router) publish(cmd *commandregistry.Command, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encoding command event", zap.Error(err))
		return
	}
	if err := r.bcast.Publish(broadcaster.CommandChannel(cmd.ID), payload); err != nil {
		r.logger.Warn("publishing command event", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

// subscribeAgentChannel binds this replica to agentID's inbound channel:
// execute_command/cancel_command frames published by a replica that does
// not hold the agent's session are forwarded to the local session here.
// Replaces any prior subscription for the same agent_id (reconnect).
func (r *Router) subscribeAgentChannel(agentID string) {
	unsub, err := r.bcast.Subscribe(broadcaster.AgentChannel(agentID), func(payload []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		if err := r.agents.Dispatch(agentID, env); err != nil {
			r.logger.Warn("forwarding agent-channel frame",
				zap.String("agent_id", agentID),
				zap.String("event", env.Event),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		r.logger.Warn("subscribing to agent channel", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	r.mu.Lock()
	prev := r.agentSubs[agentID]
	r.agentSubs[agentID] = unsub
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (r *Router) unsubscribeAgentChannel(agentID string) {
	r.mu.Lock()
	unsub := r.agentSubs[agentID]
	delete(r.agentSubs, agentID)
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *Router) publishPresence(agentID, kind string) {
	payload, err := json.Marshal(presenceEvent{AgentID: agentID, Kind: kind, Timestamp: time.Now().UTC()})
	if err != nil {
		r.logger.Error("encoding presence event", zap.Error(err))
		return
	}
	if err := r.bcast.Publish(broadcaster.PresenceChannel, payload); err != nil {
		r.logger.Warn("publishing presence event", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (r *Router) setConnectedGauge() {
	if r.metrics != nil {
		r.metrics.SetConnectedAgents(len(r.agents.List()))
	}
}

// sweep is the gocron task driving the deadline/grace rules of the state
// machine: a per-command overall deadline that issues
// cancel_command then Lost, and a per-agent grace window that marks all
// in-flight commands Lost once a disconnected session's grace expires.
func (r *Router) sweep() {
	now := time.Now().UTC()

	for _, cmd := range r.commands.ListLive() {
		if cmd.Status != types.CommandDispatched && cmd.Status != types.CommandRunning {
			continue
		}

		r.mu.Lock()
		firedAt, fired := r.deadlineNotified[cmd.ID]
		r.mu.Unlock()

		if !fired {
			if now.Sub(cmd.Timestamps.Created) >= r.cfg.CommandDeadlineDefault {
				r.sendCancel(cmd.ID, cmd.AgentID)
				r.mu.Lock()
				r.deadlineNotified[cmd.ID] = now
				r.mu.Unlock()
			}
			continue
		}

		if now.Sub(firedAt) >= r.cfg.GraceInterval {
			r.transitionLost(cmd.ID, "command deadline exceeded")
			r.mu.Lock()
			delete(r.deadlineNotified, cmd.ID)
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	disconnects := make(map[string]time.Time, len(r.disconnected))
	for agentID, at := range r.disconnected {
		disconnects[agentID] = at
	}
	r.mu.Unlock()

	for agentID, disconnectedAt := range disconnects {
		if r.agents.IsConnected(agentID) {
			r.mu.Lock()
			delete(r.disconnected, agentID)
			r.mu.Unlock()
			continue
		}
		if now.Sub(disconnectedAt) < r.cfg.GraceInterval {
			continue
		}
		for _, cmd := range r.commands.ListByAgent(agentID, 0) {
			if !cmd.Status.Terminal() {
				r.transitionLost(cmd.ID, "agent session disconnected past grace interval")
			}
		}
		r.mu.Lock()
		delete(r.disconnected, agentID)
		r.mu.Unlock()
	}
}

func (r *Router) sendCancel(commandID, agentID string) {
	env, err := protocol.Encode(protocol.EventCancelCommand, protocol.CancelCommandPayload{CommandID: commandID})
	if err != nil {
		r.logger.Error("encoding cancel_command", zap.Error(err))
		return
	}

	if r.agents.IsConnected(agentID) {
		if err := r.agents.Dispatch(agentID, env); err != nil {
			r.logger.Warn("sending cancel_command",
				zap.String("command_id", commandID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
		return
	}

	// No local session — the agent may have reconnected to another replica.
	// Publish on its inbound channel; whichever replica holds the session
	// forwards the frame. Best-effort: if nobody holds it, the grace sweep
	// marks the command Lost.
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("encoding cancel_command for agent channel", zap.Error(err))
		return
	}
	if err := r.bcast.Publish(broadcaster.AgentChannel(agentID), payload); err != nil {
		r.logger.Warn("publishing cancel_command to agent channel",
			zap.String("command_id", commandID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

func (r *Router) transitionLost(commandID, reason string) {
	var transitioned bool
	cmd, ok := r.commands.Mutate(commandID, func(c *commandregistry.Command) {
		if c.Status.Terminal() {
			return
		}
		c.Status = types.CommandLost
		c.FailureKind = types.FailureLost
		c.Timestamps.Terminal = time.Now().UTC()
		transitioned = true
	})
	if !ok || !transitioned {
		return
	}

	r.logger.Info("command lost",
		zap.String("command_id", commandID),
		zap.String("reason", reason),
	)
	if r.metrics != nil {
		r.metrics.ObserveTerminal(types.CommandLost)
	}
	r.publish(cmd, Event{
		CommandID: commandID,
		Status:    types.CommandLost,
		Terminal:  true,
		Timestamp: time.Now().UTC(),
	})
}
