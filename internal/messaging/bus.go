// Package messaging carries gateway fan-out events between processes. A
// room event goes to every connection subscribed to a chat; a user event
// goes to every connection of one user. The local bus delivers in-process;
// the NATS bus lets several gateway nodes and the suggestion job share rooms.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tripmate/realtime/internal/metrics"
)

// Kind selects the audience of an event.
type Kind string

const (
	KindRoom Kind = "room"
	KindUser Kind = "user"
)

// Envelope is one fan-out event. Payload is a complete server message.
// For room events, Join lists users whose live connections are subscribed
// to the room before delivery.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Target  string          `json:"target"`
	Join    []string        `json:"join,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Room builds a room event.
func Room(chatID string, payload []byte, join ...string) Envelope {
	return Envelope{Kind: KindRoom, Target: chatID, Join: join, Payload: payload}
}

// User builds a user event.
func User(userID string, payload []byte) Envelope {
	return Envelope{Kind: KindUser, Target: userID, Payload: payload}
}

// Handler receives delivered events.
type Handler func(env Envelope)

// Bus publishes fan-out events and delivers them to subscribers.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(h Handler) error
	Close()
}

func checkEnvelope(env Envelope) error {
	if env.Kind != KindRoom && env.Kind != KindUser {
		return fmt.Errorf("messaging: unknown kind %q", env.Kind)
	}
	if env.Target == "" {
		return fmt.Errorf("messaging: empty target")
	}
	return nil
}

// LocalBus delivers events synchronously to in-process subscribers, in
// publish order.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish delivers env to every subscriber before returning.
func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	if err := checkEnvelope(env); err != nil {
		return err
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	metrics.BroadcastsTotal.WithLabelValues(string(env.Kind)).Inc()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe adds a handler.
func (b *LocalBus) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

// Close drops all subscribers.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
}
