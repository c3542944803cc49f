package gossip

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gossip engine's Prometheus collectors on an isolated
// registry, following pkg/p2pnet/metrics.go's pattern of one registry
// per component so collector names never collide across subsystems.
type Metrics struct {
	Registry *prometheus.Registry

	PublishTotal        *prometheus.CounterVec
	SyncTotal           *prometheus.CounterVec
	SyncDurationSeconds prometheus.Histogram
	ClusterSize         prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabricsched_gossip_publish_total",
				Help: "Total number of gossip publish attempts, by outcome.",
			},
			[]string{"result"},
		),
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabricsched_gossip_sync_total",
				Help: "Total number of join-time sync attempts, by outcome.",
			},
			[]string{"result"},
		),
		SyncDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fabricsched_gossip_sync_duration_seconds",
				Help:    "Duration of join-time sync exchanges in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ClusterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabricsched_clustermap_size",
				Help: "Number of distinct nodes currently tracked in the ClusterMap.",
			},
		),
	}

	reg.MustRegister(m.PublishTotal, m.SyncTotal, m.SyncDurationSeconds, m.ClusterSize)
	return m
}
