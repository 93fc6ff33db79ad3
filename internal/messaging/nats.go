package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/metrics"
)

// NATS subject patterns used by gateway nodes and the suggestion job.
const (
	SubjectPrefix = "tripmate"
	SubjectRoom   = SubjectPrefix + ".room" // + .<chat_id>
	SubjectUser   = SubjectPrefix + ".user" // + .<user_id>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url" validate:"required_if=Enabled true"`
	Name          string        `koanf:"name"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"` // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "tripmate-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSBus publishes envelopes to per-room and per-user subjects. Every node
// subscribes to all of them and delivers what it has connections for.
type NATSBus struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewNATSBus(config NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	return &NATSBus{conn: nc, log: logger}, nil
}

// Subject returns the subject an envelope is published on.
func Subject(env Envelope) string {
	if env.Kind == KindUser {
		return SubjectUser + "." + env.Target
	}
	return SubjectRoom + "." + env.Target
}

// Publish encodes env and publishes it on its subject.
func (b *NATSBus) Publish(_ context.Context, env Envelope) error {
	if err := checkEnvelope(env); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode envelope: %w", err)
	}
	if err := b.conn.Publish(Subject(env), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", Subject(env), err)
	}
	metrics.BroadcastsTotal.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// Subscribe registers h for every room and user subject. A single
// wildcard subscription keeps per-publisher ordering.
func (b *NATSBus) Subscribe(h Handler) error {
	subject := SubjectPrefix + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed envelope")
			return
		}
		if want := Subject(env); want != msg.Subject {
			b.log.Warn().Str("subject", msg.Subject).Str("expected", want).Msg("envelope subject mismatch")
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn().Err(err).Str("subject", sub.Subject).Msg("nats drain")
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("nats connection drain")
	}
	b.log.Info().Msg("nats bus closed")
}
