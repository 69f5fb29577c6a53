// Package metrics exposes the relay's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks live websocket sessions on this instance.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisper",
		Name:      "connections_active",
		Help:      "Live authenticated websocket sessions.",
	})

	// FramesIn counts inbound frames by type.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "frames_in_total",
		Help:      "Inbound frames by type.",
	}, []string{"type"})

	// MessagesRouted counts 1:1 routing outcomes.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "messages_routed_total",
		Help:      "Routed 1:1 envelopes by outcome (delivered, pending, blocked).",
	}, []string{"status"})

	// GroupMessagesFanned counts group fan-out deliveries to live members.
	GroupMessagesFanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "group_messages_fanned_total",
		Help:      "Group message copies delivered to live members.",
	})

	// CallsInitiated counts call offers relayed or parked.
	CallsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "calls_initiated_total",
		Help:      "Call offers by callee reachability (live, pending).",
	}, []string{"path"})

	// AuthFailures counts failed challenge proofs.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "auth_failures_total",
		Help:      "Challenge proofs that failed verification.",
	})

	// Pushes counts provider deliveries by kind and outcome.
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "pushes_total",
		Help:      "Push notifications by kind (message, call, voip, group_invite) and outcome (sent, failed).",
	}, []string{"kind", "outcome"})

	// QueueExpired counts queued envelopes dropped by TTL expiry.
	QueueExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper",
		Name:      "queue_expired_total",
		Help:      "Queued envelopes expired before delivery.",
	})
)
