// Package types holds the shared data model for consensus clusters, their
// member nodes, and the ports they occupy.
package types

import "time"

// ClusterType selects a cluster's storage location and plugin policy.
type ClusterType string

const (
	ClusterTypeFWK ClusterType = "FWK"
	ClusterTypeSD  ClusterType = "SD"
	ClusterTypeABM ClusterType = "ABM"
	ClusterTypeNSM ClusterType = "NSM"
	ClusterTypeCFG ClusterType = "CFG"
)

// AllArakoonClusterTypes lists every accepted cluster_type value, in the
// order they should appear in an invalid-argument error message.
var AllArakoonClusterTypes = []ClusterType{
	ClusterTypeFWK, ClusterTypeSD, ClusterTypeABM, ClusterTypeNSM, ClusterTypeCFG,
}

// NonCFGArakoonClusterTypes lists the cluster types whose config lives in
// the registry rather than as a flat file on every member.
var NonCFGArakoonClusterTypes = []ClusterType{
	ClusterTypeFWK, ClusterTypeSD, ClusterTypeABM, ClusterTypeNSM,
}

// IsValidArakoonClusterType reports whether t is one of the five accepted
// cluster types.
func IsValidArakoonClusterType(t ClusterType) bool {
	for _, candidate := range AllArakoonClusterTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// UsesPlugins reports whether clusters of type t carry a plugin mapping.
func UsesPlugins(t ClusterType) bool {
	return t == ClusterTypeABM || t == ClusterTypeNSM
}

// ClusterState is the lifecycle state of a managed cluster.
type ClusterState string

const (
	ClusterStateAbsent  ClusterState = "absent"
	ClusterStateHalted  ClusterState = "halted"
	ClusterStateRunning ClusterState = "running"
)

// ArakoonNode is one member record of an Arakoon cluster.
type ArakoonNode struct {
	Name          string `json:"name"`
	IP            string `json:"ip"`
	ClientPort    int    `json:"client_port"`
	MessagingPort int    `json:"messaging_port"`
	BaseDir       string `json:"base_dir"`
}

// TLogMaxEntriesDefault is the spec-fixed value for every Arakoon cluster.
const TLogMaxEntriesDefault = 5000

// PluginVersion is one ordered (name, command) pair. Plugins are a mapping
// in the source but ordering matters for the EXTRA_VERSION_CMD join and
// the [global].plugins serialization, so Go represents it as an ordered
// slice rather than a map.
type PluginVersion struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// ArakoonCluster is the in-memory model of one Arakoon (Paxos) cluster.
// Nodes are kept in insertion order; order is significant for
// serialization (§4.5) and for monotonic node-name assignment.
type ArakoonCluster struct {
	ClusterName    string          `json:"cluster_name"`
	ClusterType    ClusterType     `json:"cluster_type"`
	Internal       bool            `json:"internal"`
	InUse          bool            `json:"in_use"`
	Plugins        []PluginVersion `json:"plugins,omitempty"`
	Nodes          []ArakoonNode   `json:"nodes"`
	TLogMaxEntries int             `json:"tlog_max_entries"`
	State          ClusterState    `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ArakoonMetadata is the METADATA_KEY document living inside the engine.
type ArakoonMetadata struct {
	ClusterName string      `json:"cluster_name"`
	ClusterType ClusterType `json:"cluster_type"`
	InUse       bool        `json:"in_use"`
	Internal    bool        `json:"internal"`
}

// ServiceMetadata is the parameter mapping published under
// /ovs/framework/hosts/<node>/services/<target_name>, and includes any
// EXTRA_VERSION_CMD honored verbatim by the Service Manager.
type ServiceMetadata struct {
	TargetName string            `json:"target_name"`
	Params     map[string]string `json:"params"`
}

// EtcdNode is one member of an etcd-like Raft cluster.
type EtcdNode struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	PeerURL   string `json:"peer_url"`
	ClientURL string `json:"client_url"`
}

// EtcdCluster is the in-memory model of one etcd (Raft) cluster.
type EtcdCluster struct {
	ClusterName string       `json:"cluster_name"`
	Nodes       []EtcdNode   `json:"nodes"`
	DataDir     string       `json:"data_dir"`
	WALDir      string       `json:"wal_dir"`
	State       ClusterState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PortRange is either a [lo, hi] pair or a single bound p (meaning
// [p, 65535]) as accepted by the Port Planner.
type PortRange struct {
	Low  int
	High int
}

// HostInventory describes one fleet member reachable by the Remote Shell.
type HostInventory struct {
	Name       string `yaml:"name"`
	IP         string `yaml:"ip"`
	User       string `yaml:"user"`
	SSHKeyPath string `yaml:"ssh_key_path"`
	BaseDir    string `yaml:"base_dir"`
}
