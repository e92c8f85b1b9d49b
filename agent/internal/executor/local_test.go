package executor

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on /bin/sh semantics")
	}
}

// progressRecorder collects frames from the two stream goroutines.
type progressRecorder struct {
	mu     sync.Mutex
	frames []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, p)
}

func (r *progressRecorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.frames...)
}

func TestLocalEcho(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())
	rec := &progressRecorder{}

	result := l.Run(context.Background(), "echo hi", rec.record)

	if result.ExitCode != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", result.ExitCode, result.Stderr)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hi\n")
	}
	if result.Stderr != "" {
		t.Errorf("stderr = %q, want empty", result.Stderr)
	}
	if result.ExecutionType != types.ExecutorLocal {
		t.Errorf("execution type = %s, want local", result.ExecutionType)
	}
	if result.Cancelled {
		t.Error("cancelled = true on a normal run")
	}

	var sawChunk bool
	for _, p := range rec.snapshot() {
		if p.StdoutChunk == "hi\n" {
			sawChunk = true
		}
	}
	if !sawChunk {
		t.Error("no stdout chunk streamed before the terminal result")
	}
}

func TestLocalExitCode(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())

	result := l.Run(context.Background(), "exit 3", func(Progress) {})
	if result.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", result.ExitCode)
	}
	if result.Cancelled {
		t.Error("cancelled = true, want false for a plain failure")
	}
}

func TestLocalStderrCaptured(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())
	rec := &progressRecorder{}

	result := l.Run(context.Background(), "echo oops 1>&2; exit 1", rec.record)

	if result.ExitCode != 1 {
		t.Errorf("exit = %d, want 1", result.ExitCode)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("stderr = %q, want %q", result.Stderr, "oops\n")
	}

	var sawStderrChunk bool
	for _, p := range rec.snapshot() {
		if p.StderrChunk == "oops\n" {
			sawStderrChunk = true
		}
	}
	if !sawStderrChunk {
		t.Error("stderr line was not streamed")
	}
}

func TestLocalStreamsInWriteOrder(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())
	rec := &progressRecorder{}

	result := l.Run(context.Background(), "printf 'a\\nb\\nc\\n'", rec.record)

	if result.Stdout != "a\nb\nc\n" {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	var lines []string
	for _, p := range rec.snapshot() {
		if p.StdoutChunk != "" {
			lines = append(lines, strings.TrimSuffix(p.StdoutChunk, "\n"))
		}
	}
	if strings.Join(lines, ",") != "a,b,c" {
		t.Errorf("chunks = %v, want a,b,c in emit order", lines)
	}
}

func TestLocalCancellationKillsCommand(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := l.Run(ctx, "sleep 60", func(Progress) {})
	elapsed := time.Since(start)

	if elapsed > 10*time.Second {
		t.Fatalf("run returned after %s, want bounded-time cancellation", elapsed)
	}
	if !result.Cancelled {
		t.Error("cancelled = false after context cancellation")
	}
	if result.ExitCode == 0 {
		t.Error("exit = 0 for a killed command")
	}
}

func TestLocalUnknownBinaryExits127(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(zap.NewNop())

	// /bin/sh itself runs; a nonexistent binary inside the shell yields the
	// shell's 127.
	result := l.Run(context.Background(), "definitely-not-a-real-binary-ogent", func(Progress) {})
	if result.ExitCode != 127 {
		t.Errorf("exit = %d, want 127", result.ExitCode)
	}
	if result.Stderr == "" {
		t.Error("no diagnostic stderr for an unknown binary")
	}
}

func TestLocalAlwaysAvailable(t *testing.T) {
	l := NewLocal(zap.NewNop())
	if !l.Available() {
		t.Error("local executor reported unavailable")
	}
	if l.Kind() != types.ExecutorLocal {
		t.Errorf("kind = %s, want local", l.Kind())
	}
}
