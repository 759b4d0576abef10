/*
Package types defines the core data structures shared by the consensus
cluster lifecycle manager.

This package contains the domain model for Arakoon-like Paxos clusters and
etcd-like Raft clusters: their member nodes, plugin mappings, lifecycle
state, and the service/metadata documents published about them. These
types are shared by pkg/arakoon, pkg/etcdinstall, pkg/config, pkg/ports,
and pkg/claim.

# Core Types

Arakoon family:
  - ArakoonCluster: cluster id, type, claim flag, plugins, ordered nodes
  - ArakoonNode: one member record (name, ip, ports, base dir)
  - ArakoonMetadata: the METADATA_KEY document living inside the engine
  - PluginVersion: one ordered (name, version-command) pair

Etcd family:
  - EtcdCluster: cluster id, ordered nodes, data/WAL directories
  - EtcdNode: one member (name, ip, peer URL, client URL)

Shared:
  - ClusterType: FWK/SD/ABM/NSM/CFG
  - ClusterState: absent/halted/running
  - ServiceMetadata: the parameter mapping published per host/service
  - PortRange: a [lo, hi] pair or single bound, as accepted by the port planner
  - HostInventory: one fleet member reachable over SSH

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants:
	  type ClusterType string
	  const (
	      ClusterTypeFWK ClusterType = "FWK"
	      ClusterTypeSD  ClusterType = "SD"
	  )

Ordered mappings:

	Plugin mappings and node lists are ordered slices, not Go maps, because
	serialization order is part of the contract (§4.5's EXTRA_VERSION_CMD
	join and [global].plugins field, and monotonic node-name assignment).

# Thread Safety

Values in this package carry no synchronization of their own; callers
holding a *ArakoonCluster or *EtcdCluster across a mutation must go
through pkg/registry or pkg/claim for the relevant locking.
*/
package types
