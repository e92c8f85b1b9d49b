package broadcaster

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS is the horizontal-scale Broadcaster implementation: when multiple
// Controller replicas run behind a load balancer, Publish/Subscribe go
// through a shared NATS server instead of an in-process map. NATS core
// pub/sub gives exactly the contract Broadcaster asks for: best-effort
// delivery, ordered per channel from one publisher.
type NATS struct {
	conn *nats.Conn
}

// NewNATS connects to the given NATS URL (e.g. "nats://localhost:4222").
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: connecting to nats at %s: %w", url, err)
	}
	return &NATS{conn: conn}, nil
}

// Publish sends payload on channel. Matches Broadcaster's best-effort,
// in-order-per-channel contract: NATS core pub/sub preserves publish order
// from a single connection but does not guarantee delivery.
func (n *NATS) Publish(channel string, payload []byte) error {
	if err := n.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("broadcaster: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel. The returned Unsubscribe
// unsubscribes the underlying NATS subscription without draining it.
func (n *NATS) Subscribe(channel string, handler func(payload []byte)) (Unsubscribe, error) {
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("broadcaster: subscribe to %s: %w", channel, err)
	}

	return func() {
		_ = sub.Unsubscribe()
	}, nil
}

// Close closes the NATS connection without draining pending messages.
func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
