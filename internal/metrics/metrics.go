package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cobrowse",
		Name:      "clients_connected",
		Help:      "Number of attached viewer connections.",
	})
	metricClientsDetached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "hub_detached_total",
		Help:      "Connections detached after a write failure or overflow.",
	})
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "commands_total",
		Help:      "Client commands handled, by type and outcome.",
	}, []string{"type", "outcome"})
	metricFramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "frames_captured_total",
		Help:      "Frames captured and broadcast by the streamer.",
	})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "frames_dropped_total",
		Help:      "Queued frames replaced by a newer frame before delivery.",
	})
	metricCaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "capture_failures_total",
		Help:      "Streamer ticks skipped because capture failed.",
	})
	metricReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cobrowse",
		Name:      "reconciles_total",
		Help:      "Registry reconciliations, by whether they changed state.",
	}, []string{"changed"})
)

// ClientAttached records a new connection.
func ClientAttached() {
	metricClientsConnected.Inc()
}

// ClientDetached records a closed connection; failed marks a forced detach.
func ClientDetached(failed bool) {
	metricClientsConnected.Dec()
	if failed {
		metricClientsDetached.Inc()
	}
}

// Command records one handled client command. known is false for message
// types the session does not handle; those share one label value.
func Command(msgType string, known bool, outcome string) {
	if !known {
		msgType = "unknown"
	}
	metricCommands.WithLabelValues(msgType, outcome).Inc()
}

// FrameCaptured records a broadcast frame.
func FrameCaptured() {
	metricFramesCaptured.Inc()
}

// FramesDropped records coalesced frames.
func FramesDropped(count int) {
	if count > 0 {
		metricFramesDropped.Add(float64(count))
	}
}

// CaptureFailed records a skipped tick.
func CaptureFailed() {
	metricCaptureFailures.Inc()
}

// Reconciled records a registry reconciliation.
func Reconciled(changed bool) {
	if changed {
		metricReconciles.WithLabelValues("true").Inc()
		return
	}
	metricReconciles.WithLabelValues("false").Inc()
}
