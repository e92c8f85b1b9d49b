// Package broadcaster implements the horizontal-scaling pub/sub layer
// described in the event protocol design: when multiple Controller
// replicas coexist, execute_command/cancel_command must reach whichever
// replica holds the target Agent's session, and progress/result must fan
// back to the replica holding the requester's session.
//
// Delivery is best-effort with in-order-per-channel semantics; Lost
// detection in the Router handles drops, so Broadcaster implementations
// are not required to provide exactly-once or durable delivery.
package broadcaster

import "fmt"

// Channel name helpers. A single Controller process still uses these same
// channel names against the in-memory implementation, so the Router code
// is identical whether or not replicas are involved.
func AgentChannel(agentID string) string     { return fmt.Sprintf("ogent.agent.%s.in", agentID) }
func CommandChannel(commandID string) string { return fmt.Sprintf("ogent.command.%s.out", commandID) }

// PresenceChannel carries agent_connected/agent_disconnected notifications
// across replicas.
const PresenceChannel = "ogent.agents.presence"

// Broadcaster is the pub/sub contract used to fan events across Controller
// replicas. Handlers run on the implementation's delivery path (the
// publisher's goroutine for Memory, the subscription's goroutine for NATS)
// and must not block.
type Broadcaster interface {
	Publish(channel string, payload []byte) error
	Subscribe(channel string, handler func(payload []byte)) (Unsubscribe, error)
	Close() error
}

// Unsubscribe removes a previously registered subscription.
type Unsubscribe func()
