// Package agentcore implements the Agent side of the event protocol. It
// handles:
//   - Credential exchange (POST /token) and the authenticated websocket dial
//   - Registration (presenting capability info, storing the assigned agent ID)
//   - The read loop (register_ack, execute_command, cancel_command, agent_info)
//   - Emitting command_progress and command_result frames for the executor pool
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// The Core implements executor.Sink so the pool can emit progress and
// results without knowing about the event protocol.
//
// State persistence: after the first successful registration the Controller
// acknowledges a stable agent ID. This ID is written to
// <state-dir>/agent-state.json and presented on every subsequent register so
// the Controller binds the reconnect to the existing identity instead of
// synthesizing a new one per session.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/agent/internal/executor"
	"github.com/ogent-io/ogent/shared/protocol"
	"github.com/ogent-io/ogent/shared/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// writeWait is the maximum time allowed to write a frame to the
	// Controller.
	writeWait = 10 * time.Second

	// pongWait must exceed the Controller's ping period; the read deadline
	// is pushed forward on every ping and every data frame.
	pongWait = 60 * time.Second

	// maxMessageSize bounds a single incoming frame from the Controller.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the outbound frame channel per
	// session.
	sendBufferSize = 64

	// pendingResultsMax bounds how many undeliverable command_result frames
	// are held for redelivery after a reconnect. Progress frames are never
	// buffered — only the terminal result matters across a session gap.
	pendingResultsMax = 64

	handshakeTimeout = 15 * time.Second
)

// ErrMaxReconnects is returned by Run when the configured reconnect budget
// is exhausted without ever re-establishing a session. The process exits
// nonzero on it, distinguishable from a graceful shutdown.
var ErrMaxReconnects = errors.New("agentcore: maximum reconnect attempts exceeded")

// Config holds all parameters needed to connect to the Controller.
type Config struct {
	// ControllerURL is the Controller's base HTTP URL (e.g. "http://ctrl:8080").
	// The event protocol endpoint and the token endpoint are derived from it.
	ControllerURL string
	Username      string
	Password      string

	// ReconnectDelay is the initial backoff between connection attempts.
	// Zero uses backoffInitial.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts before Run
	// returns ErrMaxReconnects. Zero means retry forever.
	MaxReconnectAttempts int

	// StateDir is the directory where agent-state.json is persisted.
	StateDir string
	// AgentIDOverride, when set, is presented at register time regardless of
	// any persisted state. The Agent's supplied ID is authoritative; the
	// Controller only synthesizes one when none is presented.
	AgentIDOverride string
}

// Core maintains the persistent event protocol connection to the Controller
// and bridges it to the executor pool.
type Core struct {
	cfg        Config
	pool       *executor.Pool
	info       types.Info
	logger     *zap.Logger
	httpClient *http.Client

	// mu protects send (replaced on every reconnect), agentID, and pending.
	mu      sync.Mutex
	send    chan protocol.Envelope
	agentID string
	pending []protocol.Envelope
}

// New creates a Core. Call Run to start the connection loop. info is the
// capability map presented at register time.
func New(cfg Config, pool *executor.Pool, info types.Info, logger *zap.Logger) *Core {
	c := &Core{
		cfg:        cfg,
		pool:       pool,
		info:       info,
		logger:     logger.Named("agentcore"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	state, err := loadState(cfg.StateDir)
	if err != nil {
		c.logger.Warn("failed to load agent state, will register fresh", zap.Error(err))
	}
	c.agentID = state.AgentID
	if cfg.AgentIDOverride != "" {
		c.agentID = cfg.AgentIDOverride
	}
	return c
}

// Run starts the connection loop. It authenticates, connects, registers,
// and processes events until the session drops, then reconnects with
// exponential backoff. Blocks until ctx is cancelled or the reconnect
// budget is exhausted.
func (c *Core) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectDelay
	if backoff <= 0 {
		backoff = backoffInitial
	}
	initial := backoff
	attempts := 0

	for {
		if ctx.Err() != nil {
			c.logger.Info("agent core stopped")
			return nil
		}

		c.logger.Info("connecting to controller", zap.String("url", c.cfg.ControllerURL))

		registered, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.logger.Info("agent core stopped")
			return nil
		}

		if registered {
			// The session was live — reset the reconnect budget.
			attempts = 0
			backoff = initial
		} else {
			attempts++
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				return fmt.Errorf("%w (%d attempts, last error: %v)", ErrMaxReconnects, attempts, err)
			}
		}

		c.logger.Warn("session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("attempts", attempts),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect establishes one session: token → dial → register → read loop.
// Returns whether registration completed on this session, and the error
// that ended it.
func (c *Core) connect(ctx context.Context) (bool, error) {
	token, err := fetchToken(ctx, c.httpClient, c.cfg.ControllerURL, c.cfg.Username, c.cfg.Password)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			c.logger.Error("controller rejected credentials", zap.Error(err))
		}
		return false, err
	}

	wsURL, err := websocketURL(c.cfg.ControllerURL)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("agentcore: dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return false, fmt.Errorf("agentcore: dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	send := make(chan protocol.Envelope, sendBufferSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	quit := make(chan struct{})
	defer close(quit)
	go c.writeLoop(conn, send, quit)

	// Unblock the read loop promptly on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-quit:
		}
	}()

	// --- Register ---
	env, err := protocol.Encode(protocol.EventRegister, protocol.RegisterPayload{
		AgentID: c.currentAgentID(),
		Info:    c.info,
	})
	if err != nil {
		return false, fmt.Errorf("agentcore: encoding register: %w", err)
	}
	send <- env

	return c.readLoop(conn)
}

// readLoop processes inbound frames until the connection ends. Returns
// whether a register_ack was received on this session.
func (c *Core) readLoop(conn *websocket.Conn) (bool, error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return false, fmt.Errorf("agentcore: set read deadline: %w", err)
	}
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	registered := false
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return registered, fmt.Errorf("agentcore: read: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return registered, fmt.Errorf("agentcore: set read deadline: %w", err)
		}

		switch env.Event {
		case protocol.EventRegisterAck:
			if c.handleRegisterAck(env) {
				registered = true
			}
		case protocol.EventExecuteCommand:
			c.handleExecuteCommand(env)
		case protocol.EventCancelCommand:
			c.handleCancelCommand(env)
		case protocol.EventAgentInfo:
			// Capability echo from the Controller — informational only.
			c.logger.Debug("agent_info received")
		default:
			c.logger.Warn("unknown event from controller, dropping frame",
				zap.String("event", env.Event),
			)
		}
	}
}

func (c *Core) writeLoop(conn *websocket.Conn, send chan protocol.Envelope, quit chan struct{}) {
	for {
		select {
		case env := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				c.logger.Warn("write error, closing session", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-quit:
			return
		}
	}
}

func (c *Core) handleRegisterAck(env protocol.Envelope) bool {
	var p protocol.RegisterAckPayload
	if err := env.Decode(&p); err != nil {
		c.logger.Warn("bad register_ack payload", zap.Error(err))
		return false
	}
	if p.Status != protocol.RegisterAccepted {
		c.logger.Error("registration rejected", zap.String("reason", p.Reason))
		return false
	}

	c.mu.Lock()
	changed := c.agentID != p.AssignedAgentID
	c.agentID = p.AssignedAgentID
	flush := c.pending
	c.pending = nil
	send := c.send
	c.mu.Unlock()

	c.logger.Info("registered with controller", zap.String("agent_id", p.AssignedAgentID))

	if changed && c.cfg.AgentIDOverride == "" {
		if err := saveState(c.cfg.StateDir, agentState{AgentID: p.AssignedAgentID}); err != nil {
			// Non-fatal: the agent re-presents whatever it has on the next
			// register; worst case the Controller synthesizes a fresh ID.
			c.logger.Warn("failed to persist agent state", zap.Error(err))
		}
	}

	// Redeliver results that completed while disconnected, in completion
	// order, before anything new.
	for _, held := range flush {
		if send == nil {
			break
		}
		select {
		case send <- held:
		default:
			c.logger.Warn("send buffer full while flushing held results")
		}
	}
	if len(flush) > 0 {
		c.logger.Info("flushed held command results", zap.Int("count", len(flush)))
	}
	return true
}

func (c *Core) handleExecuteCommand(env protocol.Envelope) {
	var p protocol.ExecuteCommandPayload
	if err := env.Decode(&p); err != nil {
		c.logger.Warn("bad execute_command payload", zap.Error(err))
		return
	}

	commandID := p.CommandID
	if commandID == "" {
		// The Controller should always assign the ID; synthesize and echo
		// one back when it did not so correlation still works.
		commandID = uuid.NewString()
		c.logger.Warn("execute_command without command_id, synthesized one",
			zap.String("command_id", commandID),
		)
	}

	assignment := executor.Assignment{
		CommandID: commandID,
		Command:   p.Command,
		Target:    p.ExecutionTarget,
	}
	if err := c.pool.Enqueue(assignment); err != nil {
		c.logger.Error("failed to enqueue command", zap.String("command_id", commandID), zap.Error(err))
		kind := types.ExecutorLocal
		if p.ExecutionTarget == types.TargetRemote {
			kind = types.ExecutorRemote
		}
		c.EmitResult(commandID, types.Result{
			ExitCode:      -1,
			Stderr:        err.Error(),
			ExecutionType: kind,
		}, types.FailureExecutionError)
	}
}

func (c *Core) handleCancelCommand(env protocol.Envelope) {
	var p protocol.CancelCommandPayload
	if err := env.Decode(&p); err != nil {
		c.logger.Warn("bad cancel_command payload", zap.Error(err))
		return
	}
	if !c.pool.Cancel(p.CommandID) {
		c.logger.Info("cancel_command for command not running",
			zap.String("command_id", p.CommandID),
		)
	}
}

// EmitProgress implements executor.Sink. Progress frames are only
// meaningful on a live session — if the session is down they are dropped;
// the eventual command_result carries the full buffers anyway.
func (c *Core) EmitProgress(commandID string, p executor.Progress) {
	payload := protocol.CommandProgressPayload{
		CommandID:   commandID,
		Status:      types.CommandRunning,
		Progress:    p.Progress,
		StdoutChunk: p.StdoutChunk,
		StderrChunk: p.StderrChunk,
		Message:     p.Message,
		Timestamp:   time.Now().UTC(),
	}
	env, err := protocol.Encode(protocol.EventCommandProgress, payload)
	if err != nil {
		c.logger.Error("encoding command_progress", zap.Error(err))
		return
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- env:
	default:
		// A full buffer means the session is stalling; dropping a progress
		// frame is preferable to blocking the executor's output pump.
		c.logger.Debug("send buffer full, dropping progress frame",
			zap.String("command_id", commandID),
		)
	}
}

// EmitResult implements executor.Sink. Exactly one result is emitted per
// executed command; if the session is down when the command finishes, the
// frame is held and redelivered on the next successful registration.
func (c *Core) EmitResult(commandID string, result types.Result, kind types.FailureKind) {
	status := types.CommandCompleted
	if result.Cancelled || result.ExitCode != 0 {
		status = types.CommandFailed
	}
	payload := protocol.CommandResultPayload{
		CommandID:     commandID,
		ExitCode:      result.ExitCode,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExecutionType: result.ExecutionType,
		Target:        result.Target,
		Cancelled:     result.Cancelled,
		FailureKind:   kind,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	}
	env, err := protocol.Encode(protocol.EventCommandResult, payload)
	if err != nil {
		c.logger.Error("encoding command_result", zap.Error(err))
		return
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send != nil {
		select {
		case send <- env:
			return
		default:
		}
	}

	c.mu.Lock()
	if len(c.pending) < pendingResultsMax {
		c.pending = append(c.pending, env)
		c.logger.Warn("no live session, holding command_result for redelivery",
			zap.String("command_id", commandID),
		)
	} else {
		c.logger.Error("pending result buffer full, dropping command_result",
			zap.String("command_id", commandID),
		)
	}
	c.mu.Unlock()
}

// AgentID returns the identity most recently acknowledged by the
// Controller (or presented from override/state before the first ack).
func (c *Core) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Core) currentAgentID() string {
	if c.cfg.AgentIDOverride != "" {
		return c.cfg.AgentIDOverride
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// websocketURL derives the event protocol endpoint from the Controller's
// base HTTP URL.
func websocketURL(controllerURL string) (string, error) {
	u, err := url.Parse(controllerURL)
	if err != nil {
		return "", fmt.Errorf("agentcore: invalid controller url %q: %w", controllerURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("agentcore: unsupported controller url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agents/ws"
	return u.String(), nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
