// Package metrics holds the Prometheus collectors exported on the gateway's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Peer and connection metrics
	PeersDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_peers_discovered_total",
			Help: "Peer announcements accepted by discovery",
		},
		[]string{"source"}, // "broadcast" or "mdns"
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pchat_active_connections",
			Help: "Open peer TCP connections",
		},
	)

	DialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_dial_failures_total",
			Help: "Outbound peer connections that failed",
		},
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_messages_sent_total",
			Help: "Messages accepted by the router for sending",
		},
		[]string{"delivered"},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_messages_received_total",
			Help: "Messages received from peers or injected by channels",
		},
		[]string{"source"}, // "network" or "channel"
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_frames_dropped_total",
			Help: "Inbound frames discarded",
		},
		[]string{"reason"},
	)

	// Gateway metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_http_requests_total",
			Help: "Total gateway HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2pchat_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pchat_active_channels",
			Help: "Gateway channels currently open",
		},
	)

	ChannelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_channel_messages_total",
			Help: "Messages appended to channel logs",
		},
		[]string{"direction"}, // "web" or "desktop"
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_channel_auth_failures_total",
			Help: "Rejected channel passwords",
		},
	)
)
