package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "egress"

type prometheusMetrics struct {
	requestsTotal    prometheus.Counter
	requestsInFlight prometheus.Gauge
	rejectedTotal    *prometheus.CounterVec
	responsesTotal   *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	breakerTrips     *prometheus.CounterVec
	storeFailures    *prometheus.CounterVec
}

// NewPrometheus creates collectors and registers them in reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	m := &prometheusMetrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inbound proxy requests.",
		}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of proxy requests being served.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Requests answered by the proxy without a completed upstream exchange.",
		}, []string{"prefix", "reason"}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Relayed responses by mapping prefix and status code.",
		}, []string{"prefix", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency including redirects.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"prefix"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Number of times a circuit breaker tripped open.",
		}, []string{"prefix"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "State store operations that failed and were ignored.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsInFlight,
		m.rejectedTotal,
		m.responsesTotal,
		m.upstreamLatency,
		m.breakerTrips,
		m.storeFailures,
	)

	return m
}

func (m *prometheusMetrics) IncRequestsTotal() {
	m.requestsTotal.Inc()
}

func (m *prometheusMetrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

func (m *prometheusMetrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}

func (m *prometheusMetrics) IncRejectedTotal(prefix string, reason RejectReason) {
	m.rejectedTotal.WithLabelValues(prefix, string(reason)).Inc()
}

func (m *prometheusMetrics) IncResponsesTotal(prefix string, status int) {
	m.responsesTotal.WithLabelValues(prefix, strconv.Itoa(status)).Inc()
}

func (m *prometheusMetrics) UpdateUpstreamLatency(prefix string, lat time.Duration) {
	m.upstreamLatency.WithLabelValues(prefix).Observe(lat.Seconds())
}

func (m *prometheusMetrics) IncBreakerTripsTotal(prefix string) {
	m.breakerTrips.WithLabelValues(prefix).Inc()
}

func (m *prometheusMetrics) IncStoreFailuresTotal(op string) {
	m.storeFailures.WithLabelValues(op).Inc()
}
