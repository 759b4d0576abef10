package metrics

import (
	"time"
)

// RaftStatsSource is the subset of *registry.Registry the Collector
// samples. Taking an interface keeps this package from importing
// pkg/registry, which itself imports pkg/metrics.
type RaftStatsSource interface {
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector periodically samples the config registry's Raft state into
// the process-wide gauges. Cluster/node counts are not polled here: the
// pkg/arakoon installer sets ClustersTotal/ClusterNodesTotal directly at
// lifecycle transitions (create/start/extend/shrink/delete), since
// clusters are scanned there rather than in the registry itself.
type Collector struct {
	reg    RaftStatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to reg.
func NewCollector(reg RaftStatsSource) *Collector {
	return &Collector{
		reg:    reg,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRegistryMetrics()
}

func (c *Collector) collectRegistryMetrics() {
	if c.reg.IsLeader() {
		RegistryLeader.Set(1)
	} else {
		RegistryLeader.Set(0)
	}

	stats := c.reg.GetRaftStats()
	if stats == nil {
		return
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RegistryPeers.Set(float64(peers))
	}
}
