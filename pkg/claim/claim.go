// Package claim implements the Fleet Claim Coordinator (C8): handing out
// an unused Arakoon cluster to exactly one caller, even when many
// installer processes race for the same cluster_type at once.
//
// The coordinator itself holds no cluster state; it wraps pkg/arakoon's
// Installer with a registry-scoped mutex so that "find a free cluster and
// flip it to in_use" becomes one atomic step instead of two racy ones.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/metrics"
	"github.com/openvstorage/fleetctl/pkg/registry"
	"github.com/openvstorage/fleetctl/pkg/types"
)

// DefaultLockTTL bounds how long a coordinator holds a claim lock before
// it is considered abandoned and eligible to be stolen. It is sized well
// above how long a single claim round-trip (a handful of registry reads
// plus one engine write) should ever take.
const DefaultLockTTL = 30 * time.Second

const maxLockAttempts = 200
const lockRetryInterval = 10 * time.Millisecond
const casRetryInterval = time.Millisecond

// Locker is the subset of *registry.Registry the coordinator needs to
// implement its mutex. A narrow interface here lets tests inject an
// in-memory fake instead of bootstrapping raft.
type Locker interface {
	GetRaw(key string) ([]byte, error)
	CompareAndSwap(key string, expected, newValue []byte) error
	Delete(key string) error
}

// ArakoonClaimer is the subset of *arakoon.Installer the coordinator
// drives once it holds the lock.
type ArakoonClaimer interface {
	GetUnusedArakoonMetadataAndClaim(ctx context.Context, clusterType types.ClusterType, clusterName, ip string) (*types.ArakoonMetadata, error)
}

// Coordinator serializes claim_cluster/get_unused_arakoon_metadata_and_claim
// calls across the fleet through a registry-backed compare-and-swap lock.
type Coordinator struct {
	locks   Locker
	arakoon ArakoonClaimer
	ttl     time.Duration
}

// New creates a Coordinator with DefaultLockTTL.
func New(locks Locker, arakoon ArakoonClaimer) *Coordinator {
	return &Coordinator{locks: locks, arakoon: arakoon, ttl: DefaultLockTTL}
}

// lockDoc is the value stored under a claim lock key.
type lockDoc struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

func lockKey(clusterType types.ClusterType, clusterName string) string {
	if clusterName == "" {
		return fmt.Sprintf("/ovs/locks/arakoon_claim/%s", clusterType)
	}
	return fmt.Sprintf("/ovs/locks/arakoon_claim/%s/%s", clusterType, clusterName)
}

// Claim implements the fleet claim protocol: validate cluster_type,
// acquire a registry-scoped mutex keyed by cluster_type (and cluster_name,
// when given), re-read candidates inside the lock, pick the requested
// cluster or else the lowest cluster_name lexicographically, flip in_use
// through the engine, then release the mutex.
//
// A nil, nil return means no cluster was available; that is not itself
// an error, matching every caller past the last free cluster getting
// nothing rather than a failure.
func (c *Coordinator) Claim(ctx context.Context, owner string, clusterType types.ClusterType, clusterName, ip string) (*types.ArakoonMetadata, error) {
	if clusterType == types.ClusterTypeCFG {
		return nil, clustererr.NewInvalidArgument("cluster_type must be one of: %s", joinNonCFGTypes())
	}
	if owner == "" {
		return nil, clustererr.NewInvalidArgument("owner is required")
	}

	key := lockKey(clusterType, clusterName)
	if err := c.acquire(key, owner); err != nil {
		metrics.ClaimAttemptsTotal.WithLabelValues(string(clusterType), "lock_failed").Inc()
		return nil, err
	}
	defer c.locks.Delete(key)

	metadata, err := c.arakoon.GetUnusedArakoonMetadataAndClaim(ctx, clusterType, clusterName, ip)
	if err != nil {
		if clustererr.IsNotFound(err) {
			metrics.ClaimAttemptsTotal.WithLabelValues(string(clusterType), "none_free").Inc()
			return nil, nil
		}
		metrics.ClaimAttemptsTotal.WithLabelValues(string(clusterType), "error").Inc()
		return nil, err
	}
	metrics.ClaimAttemptsTotal.WithLabelValues(string(clusterType), "claimed").Inc()
	return metadata, nil
}

// acquire blocks until key's lock is either absent or expired, retrying
// the compare-and-swap on contention until maxLockAttempts is spent.
func (c *Coordinator) acquire(key, owner string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimWaitDuration)

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		var expected []byte
		current, err := c.locks.GetRaw(key)
		switch {
		case err == nil:
			var doc lockDoc
			if jsonErr := json.Unmarshal(current, &doc); jsonErr == nil && time.Now().Before(doc.ExpiresAt) {
				time.Sleep(lockRetryInterval)
				continue
			}
			expected = current
		case clustererr.IsNotFound(err):
			expected = nil
		default:
			return err
		}

		data, err := json.Marshal(lockDoc{Owner: owner, ExpiresAt: time.Now().Add(c.ttl)})
		if err != nil {
			return err
		}
		if err := c.locks.CompareAndSwap(key, expected, data); err != nil {
			if errors.Is(err, registry.ErrCASMismatch) {
				time.Sleep(casRetryInterval)
				continue
			}
			return err
		}
		return nil
	}
	return clustererr.WrapTransient(errors.New("lock contended"), "could not acquire claim lock %q after %d attempts", key, maxLockAttempts)
}

func joinNonCFGTypes() string {
	out := ""
	for i, t := range types.NonCFGArakoonClusterTypes {
		if i > 0 {
			out += ", "
		}
		out += string(t)
	}
	return out
}
