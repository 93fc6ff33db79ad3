package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func TestLocalBus_DeliversInOrder(t *testing.T) {
	bus := NewLocalBus()
	var got []string
	if err := bus.Subscribe(func(env Envelope) { got = append(got, string(env.Payload)) }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	ctx := context.Background()
	for _, p := range []string{`"1"`, `"2"`, `"3"`} {
		if err := bus.Publish(ctx, Room("chat-1", []byte(p))); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	if len(got) != 3 || got[0] != `"1"` || got[2] != `"3"` {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestLocalBus_RejectsBadEnvelope(t *testing.T) {
	bus := NewLocalBus()
	tests := []Envelope{
		{Kind: "broadcast", Target: "x"},
		{Kind: KindUser},
	}
	for _, env := range tests {
		if err := bus.Publish(context.Background(), env); err == nil {
			t.Errorf("expected error for %+v", env)
		}
	}
}

func TestLocalBus_Close(t *testing.T) {
	bus := NewLocalBus()
	called := false
	_ = bus.Subscribe(func(Envelope) { called = true })
	bus.Close()
	_ = bus.Publish(context.Background(), User("u1", []byte(`{}`)))
	if called {
		t.Error("handler called after Close")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(Room("c1", nil)); got != "tripmate.room.c1" {
		t.Errorf("room subject = %q", got)
	}
	if got := Subject(User("u1", nil)); got != "tripmate.user.u1" {
		t.Errorf("user subject = %q", got)
	}
}

// newTestNATSBus connects to a local NATS server. Tests that call this
// helper require nats-server on localhost:4222.
func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "tripmate-test"
	cfg.MaxReconnects = 0
	nc, err := nats.Connect(cfg.URL, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	nc.Close()

	bus, err := NewNATSBus(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewNATSBus() error: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestNATSBus_RoundTrip(t *testing.T) {
	bus := newTestNATSBus(t)

	var (
		mu  sync.Mutex
		got []Envelope
	)
	done := make(chan struct{})
	err := bus.Subscribe(func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		if len(got) == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := bus.Publish(ctx, Room("chat-rt", []byte(`{"type":"message_received"}`), "u1", "u2")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.Publish(ctx, User("u1", []byte(`{"type":"blocked"}`))); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelopes")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != KindRoom || got[0].Target != "chat-rt" || len(got[0].Join) != 2 {
		t.Errorf("unexpected room envelope: %+v", got[0])
	}
	if got[1].Kind != KindUser || string(got[1].Payload) != `{"type":"blocked"}` {
		t.Errorf("unexpected user envelope: %+v", got[1])
	}
}
