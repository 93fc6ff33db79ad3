package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"` // how often to ping
	Timeout  time.Duration `koanf:"timeout"`                  // grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection each Interval and removes those with
// no successful read within Interval + Timeout. It returns when ctx is done.
func (s *Server) runHeartbeat(ctx context.Context, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkConnections(now, config)
		}
	}
}

// checkConnections evicts stale connections and pings the rest. Browsers
// answer the protocol-level ping automatically.
func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			s.log.Info().
				Str("conn_id", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
