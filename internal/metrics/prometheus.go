package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventtel/yrouted/pkg/logger"
)

type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["routing_requests"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_requests_total",
			Help: "Total routing requests by stage and outcome",
		},
		[]string{"stage", "status"},
	)

	pm.counters["routing_errors"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_errors_total",
			Help: "Total routing failures by error kind",
		},
		[]string{"kind"},
	)

	pm.counters["cache_lookups"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_cache_lookups_total",
			Help: "Late-route cache lookups by result",
		},
		[]string{"result"},
	)

	pm.counters["engine_messages"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_messages_total",
			Help: "Messages received from the telephone engine",
		},
		[]string{"name"},
	)

	// Histograms
	pm.histograms["routing_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_duration_seconds",
			Help:    "Stage-1 routing computation time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"stage"},
	)

	pm.histograms["store_query_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Store point-query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"query"},
	)

	// Gauges
	pm.gauges["active_requests"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routing_active_requests",
			Help: "Routing requests currently in flight",
		},
		[]string{},
	)

	pm.gauges["engine_connected"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_connected",
			Help: "Whether the engine connection is up",
		},
		[]string{},
	)

	for _, counter := range pm.counters {
		prometheus.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		prometheus.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		prometheus.MustRegister(gauge)
	}
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("Metrics server started")
	return http.ListenAndServe(addr, nil)
}
