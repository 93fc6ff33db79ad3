// Package metrics provides Prometheus instrumentation for the tripmate
// realtime core: connection and presence gauges, per-intent counters and
// latency, message and broadcast throughput, match transitions and the daily
// suggestion job.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of open WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripmate_connections",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks users with at least one registered connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripmate_online_users",
		Help: "Users with at least one registered connection",
	})

	// IntentsTotal counts handled client intents by name and result
	// ("ok" or an error code).
	IntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_intents_total",
		Help: "Client intents handled, by intent and result",
	}, []string{"intent", "result"})

	// IntentLatency records intent handling time in seconds.
	IntentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripmate_intent_latency_seconds",
		Help:    "Intent handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"intent"})

	// MessagesTotal counts chat messages by type: "user" or "system".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_messages_total",
		Help: "Chat messages persisted",
	}, []string{"type"})

	// BroadcastsTotal counts fan-out events by kind: "room" or "user".
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_broadcasts_total",
		Help: "Fan-out events published",
	}, []string{"kind"})

	// MatchTransitions counts match state changes: created, accepted,
	// declined, blocked, unmatched.
	MatchTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_matches_total",
		Help: "Match state transitions",
	}, []string{"transition"})

	// DiscoveryCandidates records how many candidates a discovery query returned.
	DiscoveryCandidates = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripmate_discovery_candidates",
		Help:    "Candidates returned per discovery query",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	// SuggestionsTotal counts suggestion job outcomes per chat: "posted" or
	// "skipped".
	SuggestionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_suggestions_total",
		Help: "Daily suggestion outcomes per chat",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		OnlineUsers,
		IntentsTotal,
		IntentLatency,
		MessagesTotal,
		BroadcastsTotal,
		MatchTransitions,
		DiscoveryCandidates,
		SuggestionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
