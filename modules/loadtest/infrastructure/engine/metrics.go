package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connected    prometheus.Gauge
	reconnects   prometheus.Counter
	frames       *prometheus.CounterVec
	sendFailures prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		connected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadforge",
			Subsystem: "engine",
			Name:      "connected",
			Help:      "1 while the engine channel is connected.",
		}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "engine",
			Name:      "reconnects_total",
			Help:      "Total number of connection drops followed by a reconnect cycle.",
		}),
		frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "engine",
			Name:      "frames_total",
			Help:      "Total number of frames received from the engine.",
		}, []string{"event", "result"}),
		sendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "engine",
			Name:      "send_failures_total",
			Help:      "Total number of start commands rejected or failed on write.",
		}),
	}
})
