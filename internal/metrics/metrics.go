// Package metrics defines the process's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "momo"

type Metrics struct {
	Registry *prometheus.Registry

	// RPCRequests counts engine calls. Labels: op, result (ok, error).
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	ValidationDuration prometheus.Histogram
	ValidatedItems     prometheus.Histogram

	// Saves counts durable write attempts. Labels: result (ok, error).
	Saves     *prometheus.CounterVec
	SaveBytes prometheus.Histogram
	// SchedulerState is the persistence state machine position (0 idle .. 3 writing).
	SchedulerState prometheus.Gauge

	MirrorUploads *prometheus.CounterVec
	Connections   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "result"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Engine operation latency, queueing included.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		ValidationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Time spent in one validation pass.",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		ValidatedItems: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validated_items",
			Help:      "Items scanned per validation pass.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 7),
		}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Durable workspace writes by outcome.",
		}, []string{"result"}),
		SaveBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_bytes",
			Help:      "Encoded snapshot size.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		SchedulerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Persistence scheduler state: 0 idle, 1 pending immediate, 2 pending debounced, 3 writing.",
		}),
		MirrorUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Snapshot mirror uploads by outcome.",
		}, []string{"result"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket sessions.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
