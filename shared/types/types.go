// Package types defines shared domain types used by both the Controller and
// the Agent: the Command state machine, executor selection, and the error
// taxonomy that both sides speak.
package types

import "time"

// ─── Command ─────────────────────────────────────────────────────────────────

// CommandStatus represents where a command sits in its lifecycle.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandDispatched CommandStatus = "dispatched"
	CommandRunning    CommandStatus = "running"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandLost       CommandStatus = "lost"
)

// Terminal reports whether status is one from which no further transition
// is possible from the requester's point of view.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandLost:
		return true
	default:
		return false
	}
}

// ExecutionTarget selects which Executor variant runs a command.
type ExecutionTarget string

const (
	TargetAuto   ExecutionTarget = "auto"
	TargetLocal  ExecutionTarget = "local"
	TargetRemote ExecutionTarget = "remote"
)

// ExecutorKind identifies the concrete executor that produced a result.
// Distinct from ExecutionTarget: "auto" resolves to one of these at
// dispatch-on-Agent time, and the result always reports the concrete kind.
type ExecutorKind string

const (
	ExecutorLocal  ExecutorKind = "local"
	ExecutorRemote ExecutorKind = "remote"
)

// FailureKind classifies why a command ended up Failed or Lost, matching
// the error taxonomy of the error handling design.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureAuth                FailureKind = "auth_failure"
	FailureAgentNotFound       FailureKind = "agent_not_found"
	FailureNotDeliverable      FailureKind = "not_deliverable"
	FailureExecutorUnavailable FailureKind = "executor_unavailable"
	FailureExecutionError      FailureKind = "execution_error"
	FailureCancelled           FailureKind = "cancelled"
	FailureLost                FailureKind = "lost"
	FailureProtocolViolation   FailureKind = "protocol_violation"
	// FailureAIBackend names a pre-processing backend failure; the AI stage
	// has no mandatory mode and degrades to the original command, so the
	// Router never assigns it. FailureAIRejected marks a different decision, a
	// safety veto from a working backend under a reject-unsafe policy.
	FailureAIBackend  FailureKind = "ai_backend"
	FailureAIRejected FailureKind = "ai_rejected"
)

// Result is the terminal outcome of an executed command, reported by the
// Agent in a command_result event and stored verbatim on the Command record.
type Result struct {
	ExitCode      int          `json:"exit_code"`
	Stdout        string       `json:"stdout"`
	Stderr        string       `json:"stderr"`
	ExecutionType ExecutorKind `json:"execution_type"`
	Target        string       `json:"target,omitempty"`
	Cancelled     bool         `json:"cancelled,omitempty"`
}

// Timestamps tracks a command's lifecycle transition times. Zero value
// means the transition has not happened yet.
type Timestamps struct {
	Created       time.Time `json:"created"`
	Dispatched    time.Time `json:"dispatched,omitempty"`
	FirstProgress time.Time `json:"first_progress,omitempty"`
	Terminal      time.Time `json:"terminal,omitempty"`
}

// ─── AI pre-processing stage ─────────────────────────────────────────────────

// AIValidation is the safety verdict produced by the optional AI stage.
type AIValidation struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
}

// AIResult is the full output of the AI pre-processing stage applied to a
// command string before dispatch.
type AIResult struct {
	ProcessedCommand string       `json:"processed_command"`
	Validation       AIValidation `json:"validation"`
	Optimization     string       `json:"optimization,omitempty"`
	Enrichment       string       `json:"enrichment,omitempty"`
	Degraded         bool         `json:"degraded,omitempty"`
}

// ─── Agent capability info ───────────────────────────────────────────────────

// Info is the free-form capability map an Agent reports at register time
// and may update via agent_info. Kept as a concrete struct (rather than
// map[string]any) since both sides agree on its shape; extra fields can
// still ride in Extra.
type Info struct {
	Platform      string            `json:"platform"`
	Arch          string            `json:"arch"`
	Version       string            `json:"version"`
	CPUCount      int               `json:"cpu_count,omitempty"`
	MemoryTotalMB uint64            `json:"memory_total_mb,omitempty"`
	ExecutorKinds []ExecutorKind    `json:"executor_kinds,omitempty"`
	RemoteTarget  string            `json:"remote_target,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}
