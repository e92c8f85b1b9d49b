// Package aistage implements the optional pre-dispatch AI stage: a pure
// transformation applied to a command string before it reaches the
// Router's dispatch step. The actual model backend is an external
// collaborator — this package owns only the pure function and a pluggable
// Backend seam a real model call can sit behind.
package aistage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

// Backend performs the actual analysis of a command string. The default
// HeuristicBackend stands in for the out-of-scope model backend.
type Backend interface {
	Analyze(ctx context.Context, command string) (types.AIResult, error)
}

// dangerousPatterns are heuristics for commands HeuristicBackend flags as
// unsafe. Deliberately narrow — this is a stand-in safety net, not a
// real policy engine.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`), // fork bomb
	regexp.MustCompile(`mkfs\.\w+`),
	regexp.MustCompile(`dd\s+.*of=/dev/(sd|nvme|hd)`),
}

// HeuristicBackend is the default Backend: pattern-matching safety check,
// no optimization or enrichment. Always succeeds.
type HeuristicBackend struct{}

func (HeuristicBackend) Analyze(_ context.Context, command string) (types.AIResult, error) {
	result := types.AIResult{
		ProcessedCommand: command,
		Validation:       types.AIValidation{Safe: true},
	}
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			result.Validation = types.AIValidation{
				Safe:   false,
				Reason: fmt.Sprintf("matches unsafe pattern: %s", pattern.String()),
			}
			break
		}
	}
	return result, nil
}

// Stage applies the configured Backend to a command string with a bounded
// timeout and graceful degradation on backend failure: the original command
// is used. There is no mandatory mode; a backend failure never fails the
// command.
type Stage struct {
	backend      Backend
	rejectUnsafe bool
	timeout      time.Duration
	logger       *zap.Logger
}

// New creates a Stage. A nil backend defaults to HeuristicBackend. A
// timeout <= 0 defaults to 3s.
func New(backend Backend, rejectUnsafe bool, timeout time.Duration, logger *zap.Logger) *Stage {
	if backend == nil {
		backend = HeuristicBackend{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Stage{
		backend:      backend,
		rejectUnsafe: rejectUnsafe,
		timeout:      timeout,
		logger:       logger.Named("aistage"),
	}
}

// RejectUnsafe reports whether the Router should fail a command outright
// when this stage's validation comes back unsafe.
func (s *Stage) RejectUnsafe() bool { return s.rejectUnsafe }

// Process runs the AI stage over command. When useAI is false, it returns
// the command unchanged with a trivially-safe validation — the AI stage
// is a per-request opt-in.
//
// Backend errors and timeouts never fail the command: Process always
// returns a usable AIResult, with Degraded set when the backend could not
// be consulted.
func (s *Stage) Process(ctx context.Context, command string, useAI bool) types.AIResult {
	if !useAI {
		return types.AIResult{ProcessedCommand: command, Validation: types.AIValidation{Safe: true}}
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.backend.Analyze(cctx, command)
	if err != nil {
		s.logger.Warn("ai stage backend failed, degrading to original command",
			zap.String("command", command),
			zap.Error(err),
		)
		return types.AIResult{
			ProcessedCommand: command,
			Validation:       types.AIValidation{Safe: true},
			Degraded:         true,
		}
	}
	return result
}
