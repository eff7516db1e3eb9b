// Package telemetry holds the relay's prometheus instrumentation.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "platoon",
			Subsystem: "relay",
			Name:      "connected_peers",
			Help:      "Number of currently connected peer connections.",
		},
	)

	FramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "platoon",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames read from peer connections.",
		},
	)

	FramesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "platoon",
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frame copies handed to outbound peer queues.",
		},
	)

	FanoutFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "platoon",
			Subsystem: "relay",
			Name:      "fanout_failures_total",
			Help:      "Connections torn down due to write failure or overflow.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "platoon",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(ConnectedPeers, FramesReceived, FramesForwarded, FanoutFailures, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
