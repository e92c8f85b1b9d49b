package broadcaster

import (
	"testing"
)

func TestMemoryPublishReachesSubscribers(t *testing.T) {
	m := NewMemory()

	var got []string
	unsub, err := m.Subscribe("ogent.command.c1.out", func(payload []byte) {
		got = append(got, string(payload))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := m.Publish("ogent.command.c1.out", []byte("a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish("ogent.command.c1.out", []byte("b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Different channel: not delivered.
	if err := m.Publish("ogent.command.c2.out", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got = %v, want [a b] in publish order", got)
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()

	calls := 0
	unsub, _ := m.Subscribe("ch", func([]byte) { calls++ })

	_ = m.Publish("ch", []byte("one"))
	unsub()
	_ = m.Publish("ch", []byte("two"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestMemoryPublishWithoutSubscribers(t *testing.T) {
	m := NewMemory()
	if err := m.Publish("empty", []byte("payload")); err != nil {
		t.Errorf("Publish to empty channel: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestChannelNames(t *testing.T) {
	if got := AgentChannel("a1"); got != "ogent.agent.a1.in" {
		t.Errorf("AgentChannel = %s", got)
	}
	if got := CommandChannel("c1"); got != "ogent.command.c1.out" {
		t.Errorf("CommandChannel = %s", got)
	}
	if PresenceChannel != "ogent.agents.presence" {
		t.Errorf("PresenceChannel = %s", PresenceChannel)
	}
}
