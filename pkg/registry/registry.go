// Package registry implements the Config Registry (C3): a replicated
// slash-path key/value tree used as the source of truth for non-CFG
// cluster configs and for per-host service metadata.
//
// It is fleetctl's own internal control-plane database, raft-backed the
// same way the teacher's pkg/manager is; it is not a client of the
// Arakoon/etcd clusters under management.
package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/metrics"
)

// Registry is a single node's view of the replicated key/value tree.
type Registry struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *registryFSM
	store *kvStore
}

// Config holds configuration for creating a Registry.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a new Registry instance backed by a local BoltDB file.
// Bootstrap or Join must be called before Set/Delete will work.
func New(cfg Config) (*Registry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := newKVStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry store: %w", err)
	}

	return &Registry{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newRegistryFSM(store),
		store:    store,
	}, nil
}

// Bootstrap initializes a new single-node Raft cluster over this registry.
// A production fleet runs one registry process reachable by every
// installer on the same host; it is not joined over the network by other
// hosts, per the "no network API" design note.
func (r *Registry) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.nodeID)

	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", r.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(r.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(r.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStorePath := filepath.Join(r.dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStorePath := filepath.Join(r.dataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	rft, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = rft

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	}

	future := r.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap registry: %w", err)
	}

	return nil
}

// AddVoter adds a new registry peer to the Raft cluster.
func (r *Registry) AddVoter(nodeID, address string) error {
	if r.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !r.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", r.LeaderAddr())
	}

	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a peer from the Raft cluster.
func (r *Registry) RemoveServer(nodeID string) error {
	if r.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader returns true if this registry instance is the Raft leader.
func (r *Registry) IsLeader() bool {
	if r.raft == nil {
		return false
	}
	return r.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (r *Registry) LeaderAddr() string {
	if r.raft == nil {
		return ""
	}
	return string(r.raft.Leader())
}

// GetRaftStats returns Raft statistics for metrics collection.
func (r *Registry) GetRaftStats() map[string]interface{} {
	if r.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":          r.raft.State().String(),
		"last_log_index": r.raft.LastIndex(),
		"applied_index":  r.raft.AppliedIndex(),
		"leader":         string(r.raft.Leader()),
	}

	configFuture := r.raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// apply submits a command to the Raft cluster and waits for it to commit.
func (r *Registry) apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistryApplyDuration)

	if r.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := r.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return applyErr
		}
	}

	return nil
}

// Set stores value (JSON-marshaled) under key.
func (r *Registry) Set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %q: %w", key, err)
	}
	return r.SetRaw(key, data)
}

// SetRaw stores raw bytes under key, bypassing JSON marshaling. Used for
// the Arakoon config text, which must remain byte-exact.
func (r *Registry) SetRaw(key string, value []byte) error {
	payload, err := json.Marshal(setCommandData{Key: key, Value: value})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: "set", Data: payload})
}

// CompareAndSwap replaces key's raw value with newValue only if its
// current raw value equals expected (nil meaning key must be absent). The
// check and the write happen inside a single Raft-committed command, so
// two callers racing to CAS the same key can never both succeed; this is
// how pkg/claim builds a fleet-wide mutex without a separate lock service.
// A mismatch returns ErrCASMismatch.
func (r *Registry) CompareAndSwap(key string, expected, newValue []byte) error {
	payload, err := json.Marshal(casCommandData{Key: key, Expected: expected, Value: newValue})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: "cas", Data: payload})
}

// Delete removes key. Deleting an absent key is a no-op.
func (r *Registry) Delete(key string) error {
	payload, err := json.Marshal(deleteCommandData{Key: key})
	if err != nil {
		return err
	}
	return r.apply(Command{Op: "delete", Data: payload})
}

// Exists reports whether key is present, read from this node's local view.
func (r *Registry) Exists(key string) (bool, error) {
	_, found, err := r.store.get(key)
	return found, err
}

// Get reads the value under key and unmarshals it into out.
func (r *Registry) Get(key string, out interface{}) error {
	data, found, err := r.store.get(key)
	if err != nil {
		return err
	}
	if !found {
		return clustererr.NewNotFound("registry key %q not found", key)
	}
	return json.Unmarshal(data, out)
}

// GetRaw reads the raw bytes stored under key.
func (r *Registry) GetRaw(key string) ([]byte, error) {
	data, found, err := r.store.get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, clustererr.NewNotFound("registry key %q not found", key)
	}
	return data, nil
}

// List returns every raw value keyed under a slash-path prefix, used to
// scan all clusters of a given type.
func (r *Registry) List(prefix string) (map[string][]byte, error) {
	return r.store.list(prefix)
}

// Shutdown gracefully stops the Raft instance and closes the local store.
func (r *Registry) Shutdown() error {
	if r.raft != nil {
		future := r.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if r.store != nil {
		return r.store.close()
	}
	return nil
}
