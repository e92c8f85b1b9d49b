package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

// Local runs commands in a subshell on the Agent's own host, streaming
// stdout and stderr line-by-line through the progress callback while
// collecting the full buffers for the terminal result.
type Local struct {
	logger *zap.Logger
}

// NewLocal creates a Local executor.
func NewLocal(logger *zap.Logger) *Local {
	return &Local{logger: logger.Named("executor.local")}
}

// Kind implements Executor.
func (l *Local) Kind() types.ExecutorKind { return types.ExecutorLocal }

// Available implements Executor. The local subshell is always present.
func (l *Local) Available() bool { return true }

// Run executes command in a shell, streams its output, and returns the
// terminal result. On cancellation the whole subprocess group is killed so
// shell children do not outlive the command.
func (l *Local) Run(ctx context.Context, command string, onProgress ProgressFunc) types.Result {
	cmd := buildShellCmd(command)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return localFailure(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return localFailure(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return localFailure(fmt.Errorf("start: %w", err))
	}

	// Watch for cancellation for as long as the process runs. Killing the
	// process group closes both pipes, which unblocks the stream readers.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.logger.Info("cancelling local command", zap.Int("pid", cmd.Process.Pid))
			killProcessGroup(cmd)
		case <-done:
		}
	}()

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, &outBuf, func(line string) {
			onProgress(Progress{StdoutChunk: line})
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, &errBuf, func(line string) {
			onProgress(Progress{StderrChunk: line})
		})
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)

	cancelled := ctx.Err() != nil
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	return types.Result{
		ExitCode:      exitCode,
		Stdout:        outBuf.String(),
		Stderr:        errBuf.String(),
		ExecutionType: types.ExecutorLocal,
		Cancelled:     cancelled,
	}
}

func localFailure(err error) types.Result {
	return types.Result{
		ExitCode:      -1,
		Stderr:        err.Error(),
		ExecutionType: types.ExecutorLocal,
	}
}

// streamLines reads r line-by-line, appending each line to buf and emitting
// it through emit. Each line is re-terminated with \n; a final line without
// a newline gains one, and a trailing \r is dropped by bufio.ScanLines.
func streamLines(r io.Reader, buf *strings.Builder, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		buf.WriteString(line)
		emit(line)
	}
}

// buildShellCmd constructs the exec.Cmd that wraps the command string in the
// appropriate shell for the current OS.
//
// Using a shell (rather than splitting the command string manually) means
// commands can use pipes, environment variable expansion, conditionals, and
// other shell features — consistent with what callers expect from a
// "command" field.
func buildShellCmd(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}
