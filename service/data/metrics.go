package data

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "traffic"

type metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleAverage   *prometheus.GaugeVec
	cycleDuration  *prometheus.HistogramVec
	framesAnalyzed *prometheus.CounterVec
	inferenceTime  *prometheus.HistogramVec
	vehicles       *prometheus.GaugeVec
	subscribers    *prometheus.GaugeVec
	errors         *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed batch cycles.",
		}, []string{"camera"}),

		cycleAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_average_vehicles",
			Help:      "Mean vehicles per frame in the last completed cycle.",
		}, []string{"camera"}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time from capture start to persisted result.",
			Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 90},
		}, []string{"camera"}),

		framesAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_analyzed_total",
			Help:      "Frames run through the detector.",
		}, []string{"camera", "source"}),

		inferenceTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Detector latency per frame.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"source"}),

		vehicles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_vehicles",
			Help:      "Vehicles per class in the most recently analyzed frame.",
		}, []string{"camera", "class"}),

		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_subscribers",
			Help:      "Clients attached to the analyzed stream.",
		}, []string{"camera"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported by pipeline processors.",
		}, []string{"processor", "category"}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleAverage,
		m.cycleDuration,
		m.framesAnalyzed,
		m.inferenceTime,
		m.vehicles,
		m.subscribers,
		m.errors,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
