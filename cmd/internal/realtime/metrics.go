package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_ws_online_connections",
		Help: "Currently registered websocket connections.",
	})

	metricHandshakeRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_ws_handshake_rejects_total",
		Help: "Websocket handshakes rejected before registration.",
	}, []string{"reason"})

	metricMessagesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_ws_messages_throttled_total",
		Help: "Inbound messages dropped by the per-user rate limit.",
	})
)
