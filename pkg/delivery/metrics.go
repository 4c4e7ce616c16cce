package delivery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueueTotal *prometheus.CounterVec
	sendTotal    *prometheus.CounterVec
	expiredTotal *prometheus.CounterVec
	receiptTotal *prometheus.CounterVec

	sendLatency *prometheus.HistogramVec

	pending   prometheus.Gauge
	state     prometheus.Gauge
	suspended prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "enqueue_total",
			Help:      "Total number of events persisted for delivery.",
		}, []string{"type"}),
		sendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "send_total",
			Help:      "Total number of send attempts by outcome.",
		}, []string{"type", "result"}),
		expiredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "expired_total",
			Help:      "Total number of events dropped after the retention horizon.",
		}, []string{"type"}),
		receiptTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "receipt_total",
			Help:      "Total number of synchronous receipt waits by result.",
		}, []string{"result"}),
		sendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "send_latency_seconds",
			Help:      "Latency distribution for event sends.",
			Buckets: []float64{
				0.005, 0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"type", "result"}),
		pending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "delivery",
			Name:      "pending",
			Help:      "Number of events currently held in the store.",
		}),
		state: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "delivery",
			Name:      "delivering",
			Help:      "Whether the scheduler is draining (1) or idle (0).",
		}),
		suspended: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "delivery",
			Name:      "suspended",
			Help:      "Whether delivery operations are suspended (1/0).",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
