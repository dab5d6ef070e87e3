// Package metrics exposes the relayer's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the relayer exports. A nil *Metrics is
// safe to call, so tests can skip registration entirely.
type Metrics struct {
	DepositsObserved *prometheus.CounterVec
	LeafCount        prometheus.Gauge
	ProofRequests    *prometheus.CounterVec
	RootPublishes    *prometheus.CounterVec
	RPCErrors        *prometheus.CounterVec
	WatcherTicks     prometheus.Counter
	ProofLatency     *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DepositsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_deposits_observed_total",
			Help: "Deposit events accepted into the commitment tree, by source chain.",
		}, []string{"chain"}),
		LeafCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_tree_leaf_count",
			Help: "Current number of leaves in the commitment tree.",
		}),
		ProofRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_proof_requests_total",
			Help: "Proof pipeline requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RootPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_root_publishes_total",
			Help: "On-chain root publications by chain and outcome.",
		}, []string{"chain", "outcome"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_rpc_errors_total",
			Help: "Upstream RPC failures by chain.",
		}, []string{"chain"}),
		WatcherTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayer_watcher_ticks_total",
			Help: "Completed chain watcher poll cycles.",
		}),
		ProofLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayer_proof_latency_seconds",
			Help:    "Proof pipeline request latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveDeposit(chain string) {
	if m != nil {
		m.DepositsObserved.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) SetLeafCount(n uint64) {
	if m != nil {
		m.LeafCount.Set(float64(n))
	}
}

func (m *Metrics) CountProof(kind, outcome string) {
	if m != nil {
		m.ProofRequests.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) CountPublish(chain, outcome string) {
	if m != nil {
		m.RootPublishes.WithLabelValues(chain, outcome).Inc()
	}
}

func (m *Metrics) CountRPCError(chain string) {
	if m != nil {
		m.RPCErrors.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) CountTick() {
	if m != nil {
		m.WatcherTicks.Inc()
	}
}

func (m *Metrics) TimeProof(kind string, seconds float64) {
	if m != nil {
		m.ProofLatency.WithLabelValues(kind).Observe(seconds)
	}
}
