// Package protocol defines the wire format of the event protocol channel
// between a Controller and an Agent: a named-event envelope plus one typed
// payload struct per event in the table below.
//
//	Agent → Controller   register
//	Controller → Agent   register_ack
//	Controller → Agent   execute_command
//	Agent → Controller   command_progress
//	Agent → Controller   command_result
//	Controller → Agent   cancel_command
//	Agent ↔ Controller   agent_info
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ogent-io/ogent/shared/types"
)

// Event names, canonical per the event protocol table.
const (
	EventRegister        = "register"
	EventRegisterAck     = "register_ack"
	EventExecuteCommand  = "execute_command"
	EventCommandProgress = "command_progress"
	EventCommandResult   = "command_result"
	EventCancelCommand   = "cancel_command"
	EventAgentInfo       = "agent_info"
)

// Envelope is the frame carried over the transport in both directions: a
// named event plus its raw payload. Payload is decoded into the concrete
// struct matching Event once the event name is known.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a concrete payload into an Envelope ready to send.
func Encode(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Event, err)
	}
	return nil
}

// RegisterPayload is sent by the Agent immediately after the channel is
// established. AgentID is empty on first-ever connect; on reconnect the
// Agent echoes the ID it was previously assigned.
type RegisterPayload struct {
	AgentID string     `json:"agent_id,omitempty"`
	Info    types.Info `json:"info"`
}

// RegisterAckStatus is the outcome reported in a RegisterAckPayload.
type RegisterAckStatus string

const (
	RegisterAccepted RegisterAckStatus = "accepted"
	RegisterRejected RegisterAckStatus = "rejected"
)

// RegisterAckPayload is the Controller's reply to register. AssignedAgentID
// echoes the Agent's own id when present, or carries a freshly synthesized
// one when the Agent connected without one.
type RegisterAckPayload struct {
	AssignedAgentID string            `json:"assigned_agent_id"`
	Status          RegisterAckStatus `json:"status"`
	Reason          string            `json:"reason,omitempty"`
}

// ExecuteCommandPayload dispatches a command to an Agent session.
// RequesterSID carries the requester identity recorded on the command; the
// Controller sets it to the authenticated caller's token Subject.
type ExecuteCommandPayload struct {
	CommandID       string                `json:"command_id"`
	Command         string                `json:"command"`
	ExecutionTarget types.ExecutionTarget `json:"execution_target"`
	RequesterSID    string                `json:"requester_sid,omitempty"`
}

// CommandProgressPayload reports an in-flight command's status. Progress
// is an optional 0-100 completion hint; Agents that cannot estimate
// progress omit it.
type CommandProgressPayload struct {
	CommandID   string              `json:"command_id"`
	Status      types.CommandStatus `json:"status"`
	Progress    *int                `json:"progress,omitempty"`
	StdoutChunk string              `json:"stdout_chunk,omitempty"`
	StderrChunk string              `json:"stderr_chunk,omitempty"`
	Message     string              `json:"message,omitempty"`
	Timestamp   time.Time           `json:"ts"`
}

// CommandResultPayload is the single terminal report for a command_id.
type CommandResultPayload struct {
	CommandID     string              `json:"command_id"`
	ExitCode      int                 `json:"exit_code"`
	Stdout        string              `json:"stdout"`
	Stderr        string              `json:"stderr"`
	ExecutionType types.ExecutorKind  `json:"execution_type"`
	Target        string              `json:"target,omitempty"`
	Cancelled     bool                `json:"cancelled,omitempty"`
	FailureKind   types.FailureKind   `json:"failure_kind,omitempty"`
	Status        types.CommandStatus `json:"status"`
	Timestamp     time.Time           `json:"ts"`
}

// CancelCommandPayload requests cancellation of an in-flight command.
type CancelCommandPayload struct {
	CommandID string `json:"command_id"`
}

// AgentInfoPayload carries a capability update, sent by the Agent after
// register (e.g. on a capability change) or pushed by the Controller to
// confirm what it has on record.
type AgentInfoPayload struct {
	Info types.Info `json:"info"`
}
