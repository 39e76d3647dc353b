package sshreverse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshreverse_sessions_active",
		Help: "Tunnel sessions currently on the stack.",
	})

	metricRelaysActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshreverse_relays_active",
		Help: "Forwarded connections currently being relayed.",
	})

	metricRelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshreverse_relay_bytes_total",
		Help: "Bytes relayed, by direction relative to the destination.",
	}, []string{"direction"})

	metricRelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshreverse_relay_errors_total",
		Help: "Relay failures, by stage.",
	}, []string{"stage"})

	metricBindAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshreverse_bind_attempts_total",
		Help: "Remote bind requests issued, including refused candidates.",
	})

	metricChannelsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshreverse_channels_accepted_total",
		Help: "Forwarded channels accepted from the server.",
	})

	metricPeerShutdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshreverse_peer_shutdowns_total",
		Help: "Sessions cleaned up because the server ended the tunnel.",
	})
)
