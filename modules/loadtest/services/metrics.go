package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serviceMetrics struct {
	sinkEvents      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	deliveredEvents prometheus.Counter
	startedTests    *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *serviceMetrics {
	return &serviceMetrics{
		sinkEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "sink",
			Name:      "events_total",
			Help:      "Total number of events processed by the durable sinks, by outcome.",
		}, []string{"sink", "outcome"}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadforge",
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Number of stream sessions currently subscribed to the bus.",
		}),
		deliveredEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "stream",
			Name:      "events_delivered_total",
			Help:      "Total number of events handed to stream session consumers.",
		}),
		startedTests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadforge",
			Subsystem: "loadtest",
			Name:      "start_requests_total",
			Help:      "Total number of start requests, by result.",
		}, []string{"result"}),
	}
})
