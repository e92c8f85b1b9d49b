package aistage

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/shared/types"
)

type failingBackend struct{}

func (failingBackend) Analyze(context.Context, string) (types.AIResult, error) {
	return types.AIResult{}, errors.New("backend down")
}

func TestProcessPassthroughWhenDisabled(t *testing.T) {
	s := New(failingBackend{}, true, 0, zap.NewNop())

	// use_ai=false never consults the backend, even a broken one.
	result := s.Process(context.Background(), "rm -rf /", false)
	if result.ProcessedCommand != "rm -rf /" {
		t.Errorf("processed = %q, want original", result.ProcessedCommand)
	}
	if !result.Validation.Safe {
		t.Error("disabled stage must report trivially safe")
	}
}

func TestHeuristicFlagsUnsafeCommands(t *testing.T) {
	s := New(nil, true, 0, zap.NewNop())

	for _, command := range []string{
		"rm -rf /",
		":(){ :|:& };:",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
	} {
		t.Run(command, func(t *testing.T) {
			result := s.Process(context.Background(), command, true)
			if result.Validation.Safe {
				t.Errorf("%q passed validation, want unsafe", command)
			}
			if result.Validation.Reason == "" {
				t.Error("unsafe verdict carries no reason")
			}
		})
	}
}

func TestHeuristicPassesOrdinaryCommands(t *testing.T) {
	s := New(nil, true, 0, zap.NewNop())

	for _, command := range []string{"echo hi", "uptime", "ls -la /tmp", "rm -rf ./build"} {
		result := s.Process(context.Background(), command, true)
		if !result.Validation.Safe {
			t.Errorf("%q flagged unsafe: %s", command, result.Validation.Reason)
		}
		if result.ProcessedCommand != command {
			t.Errorf("processed = %q, want unmodified %q", result.ProcessedCommand, command)
		}
	}
}

func TestBackendFailureDegradesToOriginal(t *testing.T) {
	s := New(failingBackend{}, true, 0, zap.NewNop())

	result := s.Process(context.Background(), "echo hi", true)
	if result.ProcessedCommand != "echo hi" {
		t.Errorf("processed = %q, want original on degrade", result.ProcessedCommand)
	}
	if !result.Degraded {
		t.Error("Degraded not set after backend failure")
	}
	if !result.Validation.Safe {
		t.Error("degraded result must not block dispatch")
	}
}

func TestRejectUnsafePolicy(t *testing.T) {
	if !New(nil, true, 0, zap.NewNop()).RejectUnsafe() {
		t.Error("RejectUnsafe = false, want true")
	}
	if New(nil, false, 0, zap.NewNop()).RejectUnsafe() {
		t.Error("RejectUnsafe = true, want false")
	}
}
