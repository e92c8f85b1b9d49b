package broadcaster

import "sync"

// Memory is the default, single-process Broadcaster: delivery is a direct
// in-process fan-out with no network hop. Used when no messaging URL
// (--messaging-url / OGENT_MESSAGING_URL) is configured — the common case of a single Controller
// replica.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]func([]byte)
	nextID      int
}

// NewMemory creates an empty in-process Broadcaster.
func NewMemory() *Memory {
	return &Memory{subscribers: make(map[string]map[int]func([]byte))}
}

// Publish delivers payload synchronously to every current subscriber of
// channel. Matches Broadcaster's best-effort, in-order-per-channel
// contract: within one process, "in order" is trivially satisfied since
// Publish holds the read lock for the whole fan-out.
func (m *Memory) Publish(channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, handler := range m.subscribers[channel] {
		handler(payload)
	}
	return nil
}

// Subscribe registers handler for channel.
func (m *Memory) Subscribe(channel string, handler func([]byte)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[int]func([]byte))
	}
	id := m.nextID
	m.nextID++
	m.subscribers[channel][id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers[channel], id)
		if len(m.subscribers[channel]) == 0 {
			delete(m.subscribers, channel)
		}
	}, nil
}

// Close is a no-op for Memory — there is no external connection to tear down.
func (m *Memory) Close() error { return nil }
