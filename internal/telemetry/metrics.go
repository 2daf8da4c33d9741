package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MLMEUpcalls counts driver-to-upper-layer boundary crossings.
	MLMEUpcalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fullmac",
			Name:      "mlme_upcalls_total",
			Help:      "Indications and confirmations delivered across the MLME boundary",
		},
		[]string{"kind"},
	)

	// FramesDelivered counts data frames handed to the network stack.
	FramesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fullmac",
			Name:      "frames_delivered_total",
			Help:      "Data frames delivered to the upper layer",
		},
		[]string{"interface"},
	)

	// InspectClients tracks live websocket subscribers on the inspect server.
	InspectClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fullmac",
			Name:      "inspect_ws_clients",
			Help:      "Websocket clients currently subscribed to the event stream",
		},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// InitMetrics registers the boundary metrics with the global Prometheus
// registry. Idempotent; safe to call from every entry point.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(MLMEUpcalls)
		prometheus.DefaultRegisterer.Register(FramesDelivered)
		prometheus.DefaultRegisterer.Register(InspectClients)
	})
}
