package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the router and the realtime pipeline emit.
// It is constructor-injected everywhere; there is no package-level registry.
type Metrics struct {
	registry *prometheus.Registry

	// Realtime pipeline
	ActiveConnections *prometheus.GaugeVec   // ws_active_connections{tenant}
	MessagesSent      *prometheus.CounterVec // ws_messages_sent_total{tenant,kind}
	BackpressureDrops *prometheus.CounterVec // ws_backpressure_drops_total{tenant,reason}
	SendErrors        *prometheus.CounterVec // ws_send_errors_total{tenant}
	QueueSize         *prometheus.GaugeVec   // ws_queue_size{tenant,connection}
	UnknownFrames     *prometheus.CounterVec // ws_unknown_frames_total{tenant}

	// Router
	DecisionLatency   *prometheus.HistogramVec // router_decision_latency_ms{tenant,tier}
	MisrouteRate      *prometheus.GaugeVec     // router_misroute_rate{tenant}
	TierDistribution  *prometheus.CounterVec   // tier_distribution{tenant,tier}
	CostRatio         *prometheus.GaugeVec     // expected_vs_actual_cost{tenant}
	LatencyRatio      *prometheus.GaugeVec     // expected_vs_actual_latency{tenant}
	Fallbacks         prometheus.Counter       // router_fallbacks_total
	ComponentFailures *prometheus.CounterVec   // router_component_failures_total{component}

	// External collaborators
	KVErrors *prometheus.CounterVec // kv_errors_total{op}

	// misroute bookkeeping behind the derived gauge
	mu        sync.Mutex
	outcomes  map[string]int64
	misroutes map[string]int64
}

// Drop reason labels for ws_backpressure_drops_total.
const (
	DropQueueFull  = "queue_full"
	DropSlowClient = "slow_client"
	DropAgedOut    = "aged_out"
)

// New creates a Metrics set registered on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers all instruments on the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry:  reg,
		outcomes:  make(map[string]int64),
		misroutes: make(map[string]int64),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Open streaming connections",
		}, []string{"tenant"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Messages written to transports",
		}, []string{"tenant", "kind"}),
		BackpressureDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_backpressure_drops_total",
			Help: "Intermediate messages intentionally discarded",
		}, []string{"tenant", "reason"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_send_errors_total",
			Help: "Transport write failures",
		}, []string{"tenant"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_queue_size",
			Help: "Current per-connection outbound queue depth",
		}, []string{"tenant", "connection"}),
		UnknownFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_unknown_frames_total",
			Help: "Inbound frames with an unrecognized type",
		}, []string{"tenant"}),

		DecisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_decision_latency_ms",
			Help:    "Routing decision latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 200, 300, 500, 1000},
		}, []string{"tenant", "tier"}),
		MisrouteRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_misroute_rate",
			Help: "Fraction of decisions the caller flagged as misrouted",
		}, []string{"tenant"}),
		TierDistribution: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tier_distribution",
			Help: "Decisions per tier",
		}, []string{"tenant", "tier"}),
		CostRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expected_vs_actual_cost",
			Help: "Expected over actual cost for the last recorded outcome",
		}, []string{"tenant"}),
		LatencyRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expected_vs_actual_latency",
			Help: "Expected over actual latency for the last recorded outcome",
		}, []string{"tenant"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_fallbacks_total",
			Help: "Routing requests answered with the default decision",
		}),
		ComponentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_component_failures_total",
			Help: "Subcomponent errors absorbed by the orchestrator",
		}, []string{"component"}),

		KVErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_errors_total",
			Help: "KV store operation failures",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.MessagesSent, m.BackpressureDrops,
		m.SendErrors, m.QueueSize, m.UnknownFrames,
		m.DecisionLatency, m.MisrouteRate, m.TierDistribution,
		m.CostRatio, m.LatencyRatio, m.Fallbacks, m.ComponentFailures,
		m.KVErrors,
	)
	return m
}

// RecordMisroute updates the derived misroute-rate gauge. What counts as a
// misroute is decided by the caller of RecordOutcome: it passes true when
// outcome feedback showed a different tier would have been the right choice.
func (m *Metrics) RecordMisroute(tenant string, misroute bool) {
	m.mu.Lock()
	m.outcomes[tenant]++
	if misroute {
		m.misroutes[tenant]++
	}
	rate := float64(m.misroutes[tenant]) / float64(m.outcomes[tenant])
	m.mu.Unlock()
	m.MisrouteRate.WithLabelValues(tenant).Set(rate)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
