package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_clusters_total",
			Help: "Total number of managed clusters by type and state",
		},
		[]string{"cluster_type", "state"},
	)

	ClusterNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_cluster_nodes_total",
			Help: "Total number of member nodes by cluster type",
		},
		[]string{"cluster_type"},
	)

	// Registry metrics
	RegistryLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetctl_registry_is_leader",
			Help: "Whether this process holds the config registry's Raft leadership (1 = leader, 0 = follower)",
		},
	)

	RegistryPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetctl_registry_peers_total",
			Help: "Total number of config registry Raft peers",
		},
	)

	RegistryApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_registry_apply_duration_seconds",
			Help:    "Time taken to apply a config registry write in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Port planner metrics
	PortAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_port_allocations_total",
			Help: "Total number of port allocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Remote shell metrics
	SSHCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_ssh_commands_total",
			Help: "Total number of remote shell commands executed, by outcome",
		},
		[]string{"outcome"},
	)

	SSHRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_ssh_retries_total",
			Help: "Total number of remote shell command retries due to transient failure",
		},
	)

	// Health probe metrics
	HealthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_health_probe_duration_seconds",
			Help:    "Time taken for a health probe to succeed or exhaust its retry budget",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	HealthProbeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_health_probe_retries_total",
			Help: "Total number of health probe retries by engine",
		},
		[]string{"engine"},
	)

	// Installer operation metrics
	ClusterCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_cluster_create_duration_seconds",
			Help:    "Time taken to create a cluster in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster_type"},
	)

	ClusterExtendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_cluster_extend_duration_seconds",
			Help:    "Time taken to extend a cluster in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster_type"},
	)

	ClusterShrinkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_cluster_shrink_duration_seconds",
			Help:    "Time taken to shrink a cluster in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster_type"},
	)

	ClusterDeleteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_cluster_delete_duration_seconds",
			Help:    "Time taken to delete a cluster in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster_type"},
	)

	// Claim coordinator metrics
	ClaimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_claim_attempts_total",
			Help: "Total number of claim attempts by cluster type and outcome",
		},
		[]string{"cluster_type", "outcome"},
	)

	ClaimWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_claim_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the claim mutex in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ClusterNodesTotal)
	prometheus.MustRegister(RegistryLeader)
	prometheus.MustRegister(RegistryPeers)
	prometheus.MustRegister(RegistryApplyDuration)
	prometheus.MustRegister(PortAllocationsTotal)
	prometheus.MustRegister(SSHCommandsTotal)
	prometheus.MustRegister(SSHRetriesTotal)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(HealthProbeRetriesTotal)
	prometheus.MustRegister(ClusterCreateDuration)
	prometheus.MustRegister(ClusterExtendDuration)
	prometheus.MustRegister(ClusterShrinkDuration)
	prometheus.MustRegister(ClusterDeleteDuration)
	prometheus.MustRegister(ClaimAttemptsTotal)
	prometheus.MustRegister(ClaimWaitDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
