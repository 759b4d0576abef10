// Package etcdinstall implements the Etcd Cluster Installer (C7): creating,
// extending, and shrinking Raft clusters across SSH-reached hosts, plus
// deploying a read-only proxy in place of a removed or never-joined member.
// Unlike Arakoon's installer (C6), membership here is never persisted to
// the Config Registry: etcd already knows its own member list, so every
// operation asks a live node via `etcdctl member list` instead of loading a
// cached config document.
package etcdinstall

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/config"
	"github.com/openvstorage/fleetctl/pkg/health"
	"github.com/openvstorage/fleetctl/pkg/log"
	"github.com/openvstorage/fleetctl/pkg/service"
	"github.com/openvstorage/fleetctl/pkg/types"
)

const dbRoot = "/opt/OpenvStorage/db/etcd"

// HostClient is the remote shell surface the installer needs on a member.
// *sshrunner.Runner satisfies it, and so does any superset interface, by
// Go's usual interface-to-interface assignability.
type HostClient interface {
	Run(ctx context.Context, cmd string) (string, error)
	FileWrite(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	FileExists(ctx context.Context, remotePath string) (bool, error)
	DirCreate(ctx context.Context, paths ...string) error
	DirChmod(ctx context.Context, mode os.FileMode, recursive bool, paths ...string) error
	DirChown(ctx context.Context, owner, group string, recursive bool, paths ...string) error
	DirDelete(ctx context.Context, paths ...string) error
}

// HostClientFactory resolves the HostClient reachable at ip. Production
// callers wire this to a pool of *sshrunner.Runner keyed by ip; tests
// substitute a map of fakes.
type HostClientFactory func(ip string) (HostClient, error)

// ServiceDriver is the subset of *service.Manager the installer needs.
type ServiceDriver interface {
	AddService(ctx context.Context, templateName string, client service.RemoteClient, params map[string]interface{}, targetName string) error
	HasService(ctx context.Context, client service.RemoteClient, targetName string) (bool, error)
	StartService(ctx context.Context, client service.RemoteClient, targetName string) error
	StopService(ctx context.Context, client service.RemoteClient, targetName string) error
	RemoveService(ctx context.Context, client service.RemoteClient, targetName string) error
	GetServiceStatus(ctx context.Context, client service.RemoteClient, targetName string) (string, error)
	RegisterService(nodeName, targetName string, serviceMetadata map[string]interface{}) error
}

// reachabilityCheckerFunc builds the TCP probe waitForCluster runs
// against a member's client URL before its slower SSH-borne health
// checks. Production dials the network for real; tests substitute an
// always-healthy stub since fake hosts have no listener behind them.
type reachabilityCheckerFunc func(address string) health.Checker

func dialTCPChecker(address string) health.Checker {
	return health.NewTCPChecker(address)
}

// Installer drives the etcd cluster lifecycle across the fleet.
type Installer struct {
	services     ServiceDriver
	hosts        HostClientFactory
	fleet        *config.FleetConfig
	reachability reachabilityCheckerFunc
}

// New creates an Installer. fleet is optional: when nil, node names fall
// back to the member's IP.
func New(services ServiceDriver, hosts HostClientFactory, fleet *config.FleetConfig) *Installer {
	return &Installer{services: services, hosts: hosts, fleet: fleet, reachability: dialTCPChecker}
}

// ServiceNameForCluster returns the systemd unit target name every member
// (and every proxy) of clusterName's service runs under. The reference
// installer registers this same unit under "ovs-etcd-{0}" but then checks
// service state under "etcd-{0}" when starting, stopping, and removing it;
// one name is used consistently here to close that gap.
func ServiceNameForCluster(clusterName string) string {
	return fmt.Sprintf("ovs-etcd-%s", clusterName)
}

func dataDir(clusterName string) string { return fmt.Sprintf("%s/%s/data", dbRoot, clusterName) }
func walDir(clusterName string) string  { return fmt.Sprintf("%s/%s/wal", dbRoot, clusterName) }
func serverURL(ip string) string        { return fmt.Sprintf("http://%s:2380", ip) }
func clientURL(ip string) string        { return fmt.Sprintf("http://%s:2379", ip) }

func (in *Installer) hostClient(ip string) (HostClient, error) {
	if in.hosts == nil {
		return nil, clustererr.NewNotFound("no host client factory configured")
	}
	return in.hosts(ip)
}

func (in *Installer) hostName(ip string) string {
	if in.fleet != nil {
		if h, ok := in.fleet.HostByIP(ip); ok {
			return h.Name
		}
	}
	return ip
}

func (in *Installer) engineUser() (string, string) {
	if in.fleet != nil {
		return in.fleet.Settings.EngineUser, in.fleet.Settings.EngineGroup
	}
	return "ovs", "ovs"
}

// member is one line of `etcdctl member list` output, parsed.
type member struct {
	ID        string
	Name      string
	PeerURL   string
	ClientURL string
}

// memberLineRegex matches one line of `etcdctl member list`, e.g.:
//
//	8211f1d0f64f3269: name=node0 peerURLs=http://10.0.0.1:2380 clientURLs=http://10.0.0.1:2379
var memberLineRegex = regexp.MustCompile(`^(?P<id>[^:]+): name=(?P<name>[^ ]+) peerURLs=(?P<peer>[^ ]+) clientURLs=(?P<client>[^ ]+)$`)

func parseMemberList(output string) []member {
	names := memberLineRegex.SubexpNames()
	var members []member
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		match := memberLineRegex.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		var m member
		for i, name := range names {
			switch name {
			case "id":
				m.ID = match[i]
			case "name":
				m.Name = match[i]
			case "peer":
				m.PeerURL = match[i]
			case "client":
				m.ClientURL = match[i]
			}
		}
		members = append(members, m)
	}
	return members
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isHealthy asks client's node whether it considers its cluster healthy.
func (in *Installer) isHealthy(ctx context.Context, client HostClient) bool {
	out, err := client.Run(ctx, "etcdctl cluster-health")
	if err != nil {
		return false
	}
	return strings.Contains(out, "cluster is healthy")
}

// waitForCluster first waits for ip's client URL to accept TCP
// connections at all, then polls isHealthy up to 5 times with a
// shrinking linear backoff, mirroring the reference installer's
// wait_for_cluster / _is_healty pair. The TCP gate fails fast on a host
// that never even brought its listener up, before spending the slower
// SSH-borne etcdctl retries on it.
func (in *Installer) waitForCluster(ctx context.Context, client HostClient, clusterName, ip string) error {
	tcpChecker := in.reachability(strings.TrimPrefix(clientURL(ip), "http://"))
	if _, err := health.Probe(ctx, tcpChecker, 5, health.LinearBackoff(5), "etcd_tcp"); err != nil {
		return clustererr.WrapTransient(err, "etcd client port at %s never became reachable for cluster %q", ip, clusterName)
	}

	checker := health.CheckerFunc(func(ctx context.Context) health.Result {
		if in.isHealthy(ctx, client) {
			return health.Result{Healthy: true}
		}
		return health.Result{Healthy: false, Message: fmt.Sprintf("etcd cluster %q not yet healthy", clusterName)}
	})
	_, err := health.Probe(ctx, checker, 5, health.LinearBackoff(5), "etcd")
	return err
}

// startIfHalted starts targetName's unit if it is installed and not
// already running, matching the reference `start()` helper's
// has_service/is-active guard.
func (in *Installer) startIfHalted(ctx context.Context, client HostClient, target string) error {
	has, err := in.services.HasService(ctx, client, target)
	if err != nil || !has {
		return err
	}
	status, err := in.services.GetServiceStatus(ctx, client, target)
	if err != nil {
		return err
	}
	if status == "active" {
		return nil
	}
	return in.services.StartService(ctx, client, target)
}

// stopIfRunning stops targetName's unit if it is installed, tolerating a
// unit that was never added.
func (in *Installer) stopIfRunning(ctx context.Context, client HostClient, target string) error {
	has, err := in.services.HasService(ctx, client, target)
	if err != nil || !has {
		return err
	}
	return in.services.StopService(ctx, client, target)
}

func prepareDataDirs(ctx context.Context, client HostClient, user, group string, dirs ...string) error {
	if err := client.DirDelete(ctx, dirs...); err != nil {
		return err
	}
	if err := client.DirCreate(ctx, dirs...); err != nil {
		return err
	}
	if err := client.DirChown(ctx, user, group, true, dirs...); err != nil {
		return err
	}
	return client.DirChmod(ctx, 0755, true, dirs...)
}

// CreateCluster brings up a brand new single-member etcd cluster on ip.
func (in *Installer) CreateCluster(ctx context.Context, clusterName, ip string) (types.EtcdCluster, error) {
	logger := log.WithOperation("create_cluster")
	logger.Info().Str("cluster_name", clusterName).Str("ip", ip).Msg("creating etcd cluster")

	client, err := in.hostClient(ip)
	if err != nil {
		return types.EtcdCluster{}, err
	}

	nodeName := in.hostName(ip)
	data, wal := dataDir(clusterName), walDir(clusterName)
	user, group := in.engineUser()
	if err := prepareDataDirs(ctx, client, user, group, data, wal); err != nil {
		return types.EtcdCluster{}, err
	}

	target := ServiceNameForCluster(clusterName)
	params := map[string]interface{}{
		"NodeName":            nodeName,
		"ClusterName":         clusterName,
		"EngineUser":          user,
		"EngineGroup":         group,
		"DataDir":             data,
		"WALDir":              wal,
		"ClientURL":           clientURL(ip),
		"ServerURL":           serverURL(ip),
		"InitialCluster":      fmt.Sprintf("%s=%s", nodeName, serverURL(ip)),
		"InitialClusterState": "new",
	}
	if err := in.services.AddService(ctx, service.TemplateEtcd, client, params, target); err != nil {
		return types.EtcdCluster{}, err
	}
	if err := in.services.RegisterService(nodeName, target, params); err != nil {
		return types.EtcdCluster{}, err
	}
	if err := in.startIfHalted(ctx, client, target); err != nil {
		return types.EtcdCluster{}, err
	}
	if err := in.waitForCluster(ctx, client, clusterName, ip); err != nil {
		return types.EtcdCluster{}, err
	}

	return types.EtcdCluster{
		ClusterName: clusterName,
		Nodes:       []types.EtcdNode{{Name: nodeName, IP: ip, PeerURL: serverURL(ip), ClientURL: clientURL(ip)}},
		DataDir:     data,
		WALDir:      wal,
		State:       types.ClusterStateRunning,
	}, nil
}

// ExtendCluster adds newIP to clusterName as a voting member, announcing it
// to the existing cluster through masterIP before starting the new member
// so it can catch up from a quorum that already expects it.
func (in *Installer) ExtendCluster(ctx context.Context, masterIP, newIP, clusterName string) (types.EtcdCluster, error) {
	masterClient, err := in.hostClient(masterIP)
	if err != nil {
		return types.EtcdCluster{}, err
	}
	if !in.isHealthy(ctx, masterClient) {
		return types.EtcdCluster{}, clustererr.NewPreconditionFailed("cluster %q is not healthy, refusing to extend", clusterName)
	}

	out, err := masterClient.Run(ctx, "etcdctl member list")
	if err != nil {
		return types.EtcdCluster{}, err
	}
	members := parseMemberList(out)

	newClient, err := in.hostClient(newIP)
	if err != nil {
		return types.EtcdCluster{}, err
	}
	newNodeName := in.hostName(newIP)

	peers := make([]string, 0, len(members)+1)
	for _, m := range members {
		peers = append(peers, fmt.Sprintf("%s=%s", m.Name, m.PeerURL))
	}
	peers = append(peers, fmt.Sprintf("%s=%s", newNodeName, serverURL(newIP)))

	target := ServiceNameForCluster(clusterName)
	// newIP may already be running a proxy for this cluster (deploy_to_slave
	// ran here earlier); promoting it to a full member replaces that unit.
	if err := in.stopIfRunning(ctx, newClient, target); err != nil {
		return types.EtcdCluster{}, err
	}

	data, wal := dataDir(clusterName), walDir(clusterName)
	user, group := in.engineUser()
	if err := prepareDataDirs(ctx, newClient, user, group, data, wal); err != nil {
		return types.EtcdCluster{}, err
	}

	params := map[string]interface{}{
		"NodeName":            newNodeName,
		"ClusterName":         clusterName,
		"EngineUser":          user,
		"EngineGroup":         group,
		"DataDir":             data,
		"WALDir":              wal,
		"ClientURL":           clientURL(newIP),
		"ServerURL":           serverURL(newIP),
		"InitialCluster":      strings.Join(peers, ","),
		"InitialClusterState": "existing",
	}
	if err := in.services.AddService(ctx, service.TemplateEtcd, newClient, params, target); err != nil {
		return types.EtcdCluster{}, err
	}
	if err := in.services.RegisterService(newNodeName, target, params); err != nil {
		return types.EtcdCluster{}, err
	}

	if _, err := masterClient.Run(ctx, fmt.Sprintf("etcdctl member add %s %s", newNodeName, serverURL(newIP))); err != nil {
		return types.EtcdCluster{}, err
	}

	if err := in.startIfHalted(ctx, newClient, target); err != nil {
		return types.EtcdCluster{}, err
	}
	if err := in.waitForCluster(ctx, newClient, clusterName, newIP); err != nil {
		return types.EtcdCluster{}, err
	}

	nodes := make([]types.EtcdNode, 0, len(members)+1)
	for _, m := range members {
		nodes = append(nodes, types.EtcdNode{Name: m.Name, PeerURL: m.PeerURL, ClientURL: m.ClientURL})
	}
	nodes = append(nodes, types.EtcdNode{Name: newNodeName, IP: newIP, PeerURL: serverURL(newIP), ClientURL: clientURL(newIP)})

	return types.EtcdCluster{
		ClusterName: clusterName,
		Nodes:       nodes,
		DataDir:     data,
		WALDir:      wal,
		State:       types.ClusterStateRunning,
	}, nil
}

// ShrinkCluster removes the member reachable at removeIP from clusterName.
// remainingIP names a surviving member to issue the `member remove`
// through. Unless removeIP is listed in offlineIPs (already unreachable,
// so there is nothing left to reconfigure there), the vacated host is
// redeployed as a read-only proxy so it can keep serving local reads.
func (in *Installer) ShrinkCluster(ctx context.Context, remainingIP, removeIP, clusterName string, offlineIPs []string) error {
	client, err := in.hostClient(remainingIP)
	if err != nil {
		return err
	}
	if !in.isHealthy(ctx, client) {
		return clustererr.NewPreconditionFailed("cluster %q is not healthy, refusing to shrink", clusterName)
	}

	out, err := client.Run(ctx, "etcdctl member list")
	if err != nil {
		return err
	}
	members := parseMemberList(out)

	removeURL := clientURL(removeIP)
	var nodeID string
	for _, m := range members {
		if m.ClientURL == removeURL {
			nodeID = m.ID
			break
		}
	}
	if nodeID == "" {
		return clustererr.NewNotFound("no member at %s found in cluster %q", removeIP, clusterName)
	}

	if _, err := client.Run(ctx, fmt.Sprintf("etcdctl member remove %s", nodeID)); err != nil {
		return err
	}

	if !containsString(offlineIPs, removeIP) {
		if err := in.DeployToSlave(ctx, remainingIP, removeIP, clusterName); err != nil {
			return err
		}
	}

	return in.waitForCluster(ctx, client, clusterName, remainingIP)
}

// DeployToSlave installs a read-only proxy for clusterName on slaveIP,
// pointed at the cluster's current membership as read from masterIP.
func (in *Installer) DeployToSlave(ctx context.Context, masterIP, slaveIP, clusterName string) error {
	masterClient, err := in.hostClient(masterIP)
	if err != nil {
		return err
	}
	out, err := masterClient.Run(ctx, "etcdctl member list")
	if err != nil {
		return err
	}
	members := parseMemberList(out)

	peers := make([]string, 0, len(members))
	for _, m := range members {
		peers = append(peers, fmt.Sprintf("%s=%s", m.Name, m.PeerURL))
	}

	slaveClient, err := in.hostClient(slaveIP)
	if err != nil {
		return err
	}
	return in.setupProxy(ctx, strings.Join(peers, ","), slaveClient, slaveIP, clusterName)
}

// UseExternal installs a read-only proxy for clusterName on slaveIP
// pointed at an externally supplied peer list instead of one read live
// from an existing member, for slaves joining a cluster this fleet does
// not otherwise manage.
func (in *Installer) UseExternal(ctx context.Context, external, slaveIP, clusterName string) error {
	slaveClient, err := in.hostClient(slaveIP)
	if err != nil {
		return err
	}
	return in.setupProxy(ctx, external, slaveClient, slaveIP, clusterName)
}

func (in *Installer) setupProxy(ctx context.Context, initialCluster string, slaveClient HostClient, slaveIP, clusterName string) error {
	target := ServiceNameForCluster(clusterName)
	if err := in.stopIfRunning(ctx, slaveClient, target); err != nil {
		return err
	}

	data, wal := dataDir(clusterName), walDir(clusterName)
	user, group := in.engineUser()
	if err := slaveClient.DirDelete(ctx, data, wal); err != nil {
		return err
	}
	if err := slaveClient.DirCreate(ctx, data); err != nil {
		return err
	}
	if err := slaveClient.DirChown(ctx, user, group, true, data); err != nil {
		return err
	}
	if err := slaveClient.DirChmod(ctx, 0755, true, data); err != nil {
		return err
	}

	nodeName := in.hostName(slaveIP)
	params := map[string]interface{}{
		"NodeName":       nodeName,
		"ClusterName":    clusterName,
		"EngineUser":     user,
		"EngineGroup":    group,
		"ClientURL":      clientURL("127.0.0.1"),
		"InitialCluster": initialCluster,
	}
	if err := in.services.AddService(ctx, service.TemplateEtcdProxy, slaveClient, params, target); err != nil {
		return err
	}
	if err := in.services.RegisterService(nodeName, target, params); err != nil {
		return err
	}
	if err := in.startIfHalted(ctx, slaveClient, target); err != nil {
		return err
	}
	return in.waitForCluster(ctx, slaveClient, clusterName, slaveIP)
}

// RemoveCluster stops and deletes ip's unit and data directories for
// clusterName, whether it was running as a full member or a proxy.
func (in *Installer) RemoveCluster(ctx context.Context, ip, clusterName string) error {
	client, err := in.hostClient(ip)
	if err != nil {
		return err
	}
	target := ServiceNameForCluster(clusterName)
	if err := in.stopIfRunning(ctx, client, target); err != nil && clustererr.IsTransient(err) {
		return err
	}
	if err := in.services.RemoveService(ctx, client, target); err != nil {
		return err
	}
	return client.DirDelete(ctx, dataDir(clusterName), walDir(clusterName))
}
