package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	FlowsCreatedTotal *prometheus.CounterVec
	FlowsLive         prometheus.Gauge
	FlowLifetime      prometheus.Histogram

	PushesTotal  *prometheus.CounterVec
	PullsTotal   *prometheus.CounterVec
	FetchesTotal *prometheus.CounterVec
	PushLatency  prometheus.Histogram
	PullWaitTime prometheus.Histogram

	BytesPushedTotal prometheus.Counter
	BytesPulledTotal prometheus.Counter

	PoolMetaBytesInUse prometheus.Gauge
	PoolDataBytesInUse prometheus.Gauge

	AuthVerificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FlowsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxrelay_flows_created_total",
				Help: "Total flows admitted into the pool",
			},
			[]string{"result"},
		),

		FlowsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxrelay_flows_live",
				Help: "Currently live flows in the pool",
			},
		),

		FlowLifetime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fluxrelay_flow_lifetime_seconds",
				Help:    "Flow lifetime from creation to teardown",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
			},
		),

		PushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxrelay_pushes_total",
				Help: "Push operations by result",
			},
			[]string{"result"},
		),

		PullsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxrelay_pulls_total",
				Help: "Pull operations by result",
			},
			[]string{"result"},
		),

		FetchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxrelay_fetches_total",
				Help: "Fetch operations by result",
			},
			[]string{"result"},
		),

		PushLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fluxrelay_push_latency_seconds",
				Help:    "Time a push call spent blocked on pool quota",
				Buckets: prometheus.DefBuckets,
			},
		),

		PullWaitTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fluxrelay_pull_wait_seconds",
				Help:    "Duration of a pull stream from its start to its end",
				Buckets: prometheus.DefBuckets,
			},
		),

		BytesPushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fluxrelay_bytes_pushed_total",
				Help: "Total payload bytes accepted by push",
			},
		),

		BytesPulledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fluxrelay_bytes_pulled_total",
				Help: "Total payload bytes delivered by pull/fetch",
			},
		),

		PoolMetaBytesInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxrelay_pool_meta_bytes_in_use",
				Help: "Chunk metadata bytes currently resident across all flows",
			},
		),

		PoolDataBytesInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxrelay_pool_data_bytes_in_use",
				Help: "Chunk payload bytes currently resident across all flows",
			},
		),

		AuthVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxrelay_auth_verifications_total",
				Help: "Token verification attempts by result",
			},
			[]string{"result"},
		),
	}

	return m
}

// RecordFlowCreated increments the flow-creation counter for the given
// result ("admitted" or "rejected") and, on admission, the live gauge.
func (m *Metrics) RecordFlowCreated(admitted bool) {
	if admitted {
		m.FlowsCreatedTotal.WithLabelValues("admitted").Inc()
		m.FlowsLive.Inc()
	} else {
		m.FlowsCreatedTotal.WithLabelValues("rejected").Inc()
	}
}

// RecordFlowTornDown decrements the live gauge and observes lifetime.
func (m *Metrics) RecordFlowTornDown(lifetimeSeconds float64) {
	m.FlowsLive.Dec()
	m.FlowLifetime.Observe(lifetimeSeconds)
}

// RecordPush records a push outcome and, on success, the bytes and latency.
func (m *Metrics) RecordPush(result string, bytes int, latencySeconds float64) {
	m.PushesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.BytesPushedTotal.Add(float64(bytes))
		m.PushLatency.Observe(latencySeconds)
	}
}

// RecordPull records a pull outcome and, on success, the bytes and wait time.
func (m *Metrics) RecordPull(result string, bytes int, waitSeconds float64) {
	m.PullsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.BytesPulledTotal.Add(float64(bytes))
		m.PullWaitTime.Observe(waitSeconds)
	}
}

// RecordFetch records a fetch outcome.
func (m *Metrics) RecordFetch(result string, bytes int) {
	m.FetchesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.BytesPulledTotal.Add(float64(bytes))
	}
}

// RecordAuthVerification records a token verification attempt.
func (m *Metrics) RecordAuthVerification(ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.AuthVerificationsTotal.WithLabelValues(result).Inc()
}

// SetPoolQuotaUsage updates the pool-wide byte quota gauges.
func (m *Metrics) SetPoolQuotaUsage(metaBytes, dataBytes int64) {
	m.PoolMetaBytesInUse.Set(float64(metaBytes))
	m.PoolDataBytesInUse.Set(float64(dataBytes))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
