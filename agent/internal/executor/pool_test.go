package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

// fakeExec is a scriptable Executor for pool tests.
type fakeExec struct {
	kind      types.ExecutorKind
	available bool
	runFn     func(ctx context.Context, command string, onProgress ProgressFunc) types.Result
}

func (f *fakeExec) Kind() types.ExecutorKind { return f.kind }
func (f *fakeExec) Available() bool          { return f.available }

func (f *fakeExec) Run(ctx context.Context, command string, onProgress ProgressFunc) types.Result {
	if f.runFn != nil {
		return f.runFn(ctx, command, onProgress)
	}
	return types.Result{ExecutionType: f.kind}
}

type recordedResult struct {
	CommandID string
	Result    types.Result
	Kind      types.FailureKind
}

// recordSink collects sink calls and signals each terminal result.
type recordSink struct {
	mu       sync.Mutex
	progress []Progress
	results  []recordedResult
	done     chan recordedResult
}

func newRecordSink() *recordSink {
	return &recordSink{done: make(chan recordedResult, 16)}
}

func (s *recordSink) EmitProgress(commandID string, p Progress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *recordSink) EmitResult(commandID string, result types.Result, kind types.FailureKind) {
	r := recordedResult{CommandID: commandID, Result: result, Kind: kind}
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.done <- r
}

func (s *recordSink) await(t *testing.T) recordedResult {
	t.Helper()
	select {
	case r := <-s.done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a terminal result")
		return recordedResult{}
	}
}

func startPool(t *testing.T, pool *Pool, sink Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pool.Run(ctx, sink)
}

func TestPoolForcedRemoteUnavailable(t *testing.T) {
	local := &fakeExec{kind: types.ExecutorLocal, available: true}
	pool := NewPool(local, nil, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	if err := pool.Enqueue(Assignment{CommandID: "c1", Command: "uptime", Target: types.TargetRemote}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := sink.await(t)
	if r.Kind != types.FailureExecutorUnavailable {
		t.Errorf("failure kind = %s, want executor_unavailable", r.Kind)
	}
	if r.Result.ExitCode == 0 {
		t.Error("exit = 0 for an unavailable executor")
	}
	if r.Result.ExecutionType != types.ExecutorRemote {
		t.Errorf("execution type = %s, want remote (the forced target)", r.Result.ExecutionType)
	}
}

func TestPoolAutoPrefersRemoteWhenAvailable(t *testing.T) {
	local := &fakeExec{kind: types.ExecutorLocal, available: true}
	remote := &fakeExec{kind: types.ExecutorRemote, available: true}
	pool := NewPool(local, remote, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "uptime", Target: types.TargetAuto})

	r := sink.await(t)
	if r.Result.ExecutionType != types.ExecutorRemote {
		t.Errorf("auto resolved to %s, want remote", r.Result.ExecutionType)
	}
	if r.Kind != types.FailureNone {
		t.Errorf("failure kind = %s, want none", r.Kind)
	}
}

func TestPoolAutoFallsBackToLocal(t *testing.T) {
	local := &fakeExec{kind: types.ExecutorLocal, available: true}
	remote := &fakeExec{kind: types.ExecutorRemote, available: false}
	pool := NewPool(local, remote, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "uptime", Target: types.TargetAuto})

	if r := sink.await(t); r.Result.ExecutionType != types.ExecutorLocal {
		t.Errorf("auto resolved to %s, want local fallback", r.Result.ExecutionType)
	}
}

func TestPoolForcedLocalNeverFallsToRemote(t *testing.T) {
	local := &fakeExec{kind: types.ExecutorLocal, available: true}
	remote := &fakeExec{kind: types.ExecutorRemote, available: true}
	pool := NewPool(local, remote, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "uptime", Target: types.TargetLocal})

	if r := sink.await(t); r.Result.ExecutionType != types.ExecutorLocal {
		t.Errorf("forced local resolved to %s", r.Result.ExecutionType)
	}
}

func TestPoolCancelRunningCommand(t *testing.T) {
	started := make(chan struct{})
	local := &fakeExec{
		kind:      types.ExecutorLocal,
		available: true,
		runFn: func(ctx context.Context, _ string, _ ProgressFunc) types.Result {
			close(started)
			<-ctx.Done()
			return types.Result{ExitCode: -1, ExecutionType: types.ExecutorLocal, Cancelled: true}
		},
	}
	pool := NewPool(local, nil, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "sleep 9999", Target: types.TargetLocal})
	<-started

	if !pool.Cancel("c1") {
		t.Fatal("Cancel returned false for a running command")
	}

	r := sink.await(t)
	if r.Kind != types.FailureCancelled || !r.Result.Cancelled {
		t.Errorf("result = %+v, want cancelled", r)
	}

	if pool.Cancel("c1") {
		t.Error("Cancel returned true for a finished command")
	}
}

func TestPoolConcurrentWorkers(t *testing.T) {
	release := make(chan struct{})
	local := &fakeExec{
		kind:      types.ExecutorLocal,
		available: true,
		runFn: func(ctx context.Context, command string, _ ProgressFunc) types.Result {
			if command == "slow" {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return types.Result{ExecutionType: types.ExecutorLocal}
		},
	}
	pool := NewPool(local, nil, 2, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "slow", Target: types.TargetLocal})
	_ = pool.Enqueue(Assignment{CommandID: "c2", Command: "fast", Target: types.TargetLocal})

	// With two workers the fast command finishes while the slow one is
	// still blocked.
	first := sink.await(t)
	if first.CommandID != "c2" {
		t.Fatalf("first terminal = %s, want c2", first.CommandID)
	}

	close(release)
	second := sink.await(t)
	if second.CommandID != "c1" {
		t.Errorf("second terminal = %s, want c1", second.CommandID)
	}
}

func TestPoolSerializesWithOneWorker(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	local := &fakeExec{
		kind:      types.ExecutorLocal,
		available: true,
		runFn: func(ctx context.Context, command string, _ ProgressFunc) types.Result {
			mu.Lock()
			order = append(order, command)
			mu.Unlock()
			if command == "first" {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return types.Result{ExecutionType: types.ExecutorLocal}
		},
	}
	pool := NewPool(local, nil, 1, zap.NewNop())
	sink := newRecordSink()
	startPool(t, pool, sink)

	_ = pool.Enqueue(Assignment{CommandID: "c1", Command: "first", Target: types.TargetLocal})
	_ = pool.Enqueue(Assignment{CommandID: "c2", Command: "second", Target: types.TargetLocal})

	// Give the (single) worker a moment: the second command must not start
	// while the first is still running.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	started := len(order)
	mu.Unlock()
	if started != 1 {
		t.Fatalf("started = %d commands concurrently, want 1", started)
	}

	close(release)
	sink.await(t)
	sink.await(t)
}

func TestPoolQueueFullRejects(t *testing.T) {
	local := &fakeExec{kind: types.ExecutorLocal, available: true}
	pool := NewPool(local, nil, 1, zap.NewNop())
	// Pool not started: the queue only fills.

	var rejected bool
	for i := 0; i < queueSize+1; i++ {
		if err := pool.Enqueue(Assignment{CommandID: "c", Command: "uptime", Target: types.TargetLocal}); err != nil {
			rejected = true
			if i < queueSize {
				t.Fatalf("rejected at %d, queue capacity is %d", i, queueSize)
			}
		}
	}
	if !rejected {
		t.Error("over-capacity enqueue was not rejected")
	}
}
