package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation results recorded on the operations counter.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds the settlement collectors. Each instance owns its registry
// so tests and multiple services do not collide.
//
// Registers:
//
//	<ns>_operations_total{op,result}
//	<ns>_operation_seconds{op}
//	<ns>_volume_total{instrument}
//	<ns>_fees_total{instrument}
//	<ns>_payouts_total{instrument}
//	<ns>_volatility_annualized
//	<ns>_volatility_observations
//	<ns>_open_positions{market}
//	<ns>_persist_failures_total{sink}
//	go_* and process_* system metrics
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	volume          *prometheus.CounterVec
	fees            *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	volatility      prometheus.Gauge
	observations    prometheus.Gauge
	openPositions   *prometheus.GaugeVec
	persistFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Settlement operations by kind and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_seconds",
			Help:      "Settlement operation latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_total",
			Help:      "Quote currency deposited, in base units.",
		}, []string{"instrument"}),
		fees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_total",
			Help:      "Fees collected, in base units.",
		}, []string{"instrument"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Quote currency paid out, in base units.",
		}, []string{"instrument"}),
		volatility: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volatility_annualized",
			Help:      "Latest annualized volatility from the oracle.",
		}),
		observations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volatility_observations",
			Help:      "Number of prices folded into the estimator.",
		}),
		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Active perpetual positions per market.",
		}, []string{"market"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes to a downstream sink after a committed operation.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.operations, m.latency, m.volume, m.fees, m.payouts,
		m.volatility, m.observations, m.openPositions, m.persistFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation counts one operation and records its latency.
func (m *Metrics) ObserveOperation(op, result string, took time.Duration) {
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) AddVolume(instrument string, amount uint64) {
	m.volume.WithLabelValues(instrument).Add(float64(amount))
}

func (m *Metrics) AddFee(instrument string, amount uint64) {
	if amount > 0 {
		m.fees.WithLabelValues(instrument).Add(float64(amount))
	}
}

func (m *Metrics) AddPayout(instrument string, amount uint64) {
	m.payouts.WithLabelValues(instrument).Add(float64(amount))
}

// SetVolatility publishes the latest estimator reading.
func (m *Metrics) SetVolatility(vol float64, count uint64) {
	m.volatility.Set(vol)
	m.observations.Set(float64(count))
}

func (m *Metrics) SetOpenPositions(market string, n int) {
	m.openPositions.WithLabelValues(market).Set(float64(n))
}

// PersistFailure counts a failed write to sink (store, bus, analytics).
func (m *Metrics) PersistFailure(sink string) {
	m.persistFailures.WithLabelValues(sink).Inc()
}
