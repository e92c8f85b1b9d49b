// Package executor implements the Agent's command runner abstraction: a
// polymorphic Executor with local-subshell and remote-shell variants, plus
// the worker pool that sits between the agent core (which receives
// execute_command events) and the executors (which do the actual work).
//
// The pool runs a configurable number of workers (one by default) pulling
// from a bounded queue. Each command runs to completion within its worker;
// the only preemption is cancellation, which the pool delivers by
// cancelling the per-command context.
//
// Interfaces:
//   - Sink: implemented by the agent core, receives progress frames and the
//     terminal result produced during execution and forwards them to the
//     Controller over the event protocol.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

// Progress is one incremental frame produced while a command runs. Fields
// are additive: chunks carry newly produced output only, and Progress (when
// supplied) is monotonically non-decreasing. The terminal state is never
// reported through Progress — only through the Run return value.
type Progress struct {
	Progress    *int
	StdoutChunk string
	StderrChunk string
	Message     string
}

// ProgressFunc receives Progress frames in the order the executor produced
// them. It must not block beyond the command's own lifetime.
type ProgressFunc func(Progress)

// Executor is anything that can run a command string: a local subshell or a
// remote shell session. Run always returns a terminal Result — setup
// failures are reported as a nonzero exit code with diagnostic stderr, and
// cancellation via ctx causes a bounded-time return with Cancelled set.
type Executor interface {
	Kind() types.ExecutorKind
	Available() bool
	Run(ctx context.Context, command string, onProgress ProgressFunc) types.Result
}

// Assignment is the internal representation of one execute_command event
// received from the Controller.
type Assignment struct {
	CommandID string
	Command   string
	Target    types.ExecutionTarget
}

// Sink receives progress frames and terminal results and forwards them to
// the Controller. Implemented by the agent core.
type Sink interface {
	EmitProgress(commandID string, p Progress)
	EmitResult(commandID string, result types.Result, kind types.FailureKind)
}

// ErrExecutorUnavailable is reported when a forced execution target has no
// usable executor. There is no silent fallback to the other variant.
var ErrExecutorUnavailable = errors.New("executor: requested executor is unavailable")

// queueSize is the maximum number of assignments that can be buffered while
// waiting for a worker. Assignments beyond this limit are rejected with a
// visible failure — the Controller reports the command as failed rather
// than silently dropping it.
const queueSize = 16

// Pool receives command assignments, queues them, and executes each on one
// of its workers using the executor selected by the assignment's target.
type Pool struct {
	local   Executor
	remote  Executor // nil when remote execution is not configured
	workers int
	queue   chan Assignment
	logger  *zap.Logger

	// mu protects running — one cancel func per in-flight command.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewPool creates a Pool. remote may be nil — any command forced to the
// remote target then fails with ErrExecutorUnavailable. workers < 1 is
// treated as 1 (serialized execution, the default).
func NewPool(local, remote Executor, workers int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		local:   local,
		remote:  remote,
		workers: workers,
		queue:   make(chan Assignment, queueSize),
		logger:  logger.Named("executor"),
		running: make(map[string]context.CancelFunc),
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled. sink is
// provided here (not at construction) so it can be the agent core itself,
// which is created after the pool.
func (p *Pool) Run(ctx context.Context, sink Sink) {
	p.logger.Info("executor pool started", zap.Int("workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-p.queue:
					p.execute(ctx, a, sink)
				}
			}
		}()
	}
	wg.Wait()
	p.logger.Info("executor pool stopped")
}

// Enqueue adds an assignment to the queue. Non-blocking: returns an error
// if the queue is full so the caller can report the command as failed
// instead of stalling the event protocol read loop.
func (p *Pool) Enqueue(a Assignment) error {
	select {
	case p.queue <- a:
		p.logger.Info("command enqueued",
			zap.String("command_id", a.CommandID),
			zap.String("target", string(a.Target)),
		)
		return nil
	default:
		return fmt.Errorf("executor: queue full, rejecting command %s", a.CommandID)
	}
}

// Cancel requests cancellation of an in-flight command. Returns false if
// the command is not currently running (already finished, or still queued —
// queued commands cannot be cancelled, they run and may then be cancelled).
func (p *Pool) Cancel(commandID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[commandID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// resolve picks the executor for target. auto prefers remote when it is
// configured and reachable; a forced target never falls back.
func (p *Pool) resolve(target types.ExecutionTarget) (Executor, error) {
	switch target {
	case types.TargetLocal:
		if p.local == nil || !p.local.Available() {
			return nil, fmt.Errorf("%w: local", ErrExecutorUnavailable)
		}
		return p.local, nil
	case types.TargetRemote:
		if p.remote == nil || !p.remote.Available() {
			return nil, fmt.Errorf("%w: remote", ErrExecutorUnavailable)
		}
		return p.remote, nil
	default:
		if p.remote != nil && p.remote.Available() {
			return p.remote, nil
		}
		return p.local, nil
	}
}

// execute runs one assignment to completion and emits exactly one terminal
// result for it.
func (p *Pool) execute(ctx context.Context, a Assignment, sink Sink) {
	exec, err := p.resolve(a.Target)
	if err != nil {
		kind := types.ExecutorLocal
		if a.Target == types.TargetRemote {
			kind = types.ExecutorRemote
		}
		sink.EmitResult(a.CommandID, types.Result{
			ExitCode:      -1,
			Stderr:        err.Error(),
			ExecutionType: kind,
		}, types.FailureExecutorUnavailable)
		return
	}

	cctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[a.CommandID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, a.CommandID)
		p.mu.Unlock()
	}()

	p.logger.Info("command started",
		zap.String("command_id", a.CommandID),
		zap.String("executor", string(exec.Kind())),
	)

	result := exec.Run(cctx, a.Command, func(pr Progress) {
		sink.EmitProgress(a.CommandID, pr)
	})

	kind := types.FailureNone
	switch {
	case result.Cancelled:
		kind = types.FailureCancelled
	case result.ExitCode != 0:
		kind = types.FailureExecutionError
	}

	p.logger.Info("command finished",
		zap.String("command_id", a.CommandID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("cancelled", result.Cancelled),
	)
	sink.EmitResult(a.CommandID, result, kind)
}
