// Package arakoon implements the Arakoon Cluster Installer (C6): creating,
// extending, shrinking, and deleting Paxos clusters across SSH-reached
// hosts, plus the config serialization (C5) their members run from.
package arakoon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/config"
	"github.com/openvstorage/fleetctl/pkg/events"
	"github.com/openvstorage/fleetctl/pkg/health"
	"github.com/openvstorage/fleetctl/pkg/log"
	"github.com/openvstorage/fleetctl/pkg/metrics"
	"github.com/openvstorage/fleetctl/pkg/ports"
	"github.com/openvstorage/fleetctl/pkg/service"
	"github.com/openvstorage/fleetctl/pkg/types"
)

// HostClient is the remote shell surface the installer needs on a member.
// *sshrunner.Runner satisfies it, and so does any superset interface, by
// Go's usual interface-to-interface assignability.
type HostClient interface {
	Run(ctx context.Context, cmd string) (string, error)
	FileRead(ctx context.Context, remotePath string) ([]byte, error)
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

// ConfigStore is the subset of *registry.Registry the installer needs to
// persist and recover non-CFG cluster configs.
type ConfigStore interface {
	Set(key string, value interface{}) error
	SetRaw(key string, value []byte) error
	Get(key string, out interface{}) error
	GetRaw(key string) ([]byte, error)
	Exists(key string) (bool, error)
	Delete(key string) error
	List(prefix string) (map[string][]byte, error)
}

// ServiceDriver is the subset of *service.Manager the installer needs.
type ServiceDriver interface {
	AddService(ctx context.Context, templateName string, client service.RemoteClient, params map[string]interface{}, targetName string) error
	StartService(ctx context.Context, client service.RemoteClient, targetName string) error
	StopService(ctx context.Context, client service.RemoteClient, targetName string) error
	RemoveService(ctx context.Context, client service.RemoteClient, targetName string) error
	RegisterService(nodeName, targetName string, serviceMetadata map[string]interface{}) error
}

// PortAllocator is the subset of *ports.Planner the installer needs.
type PortAllocator interface {
	GetFreePorts(ctx context.Context, client ports.RemoteClient, ranges []types.PortRange, exclude []int, nr int) ([]int, error)
}

// EventPublisher is the subset of *events.Broker the installer uses to
// announce lifecycle transitions.
type EventPublisher interface {
	Publish(event *events.Event)
}

// reachabilityCheckerFunc builds the TCP probe StartCluster runs against
// a member's client port before its slower command-based health gate.
// Production dials the network for real; tests substitute an
// always-healthy stub since fake hosts have no listener behind them.
type reachabilityCheckerFunc func(address string) health.Checker

func dialTCPChecker(address string) health.Checker {
	return health.NewTCPChecker(address)
}

// Installer drives the Arakoon cluster lifecycle across the fleet.
type Installer struct {
	reg          ConfigStore
	services     ServiceDriver
	planner      PortAllocator
	hosts        HostClientFactory
	fleet        *config.FleetConfig
	events       EventPublisher
	reachability reachabilityCheckerFunc
}

// New creates an Installer. fleet is optional: when nil, RegisterService
// calls use the member's IP as its node name rather than its inventory
// name, and create/extend fall back to a narrow default port range.
// pub is optional: when nil, lifecycle transitions are simply not
// announced.
func New(reg ConfigStore, services ServiceDriver, planner PortAllocator, hosts HostClientFactory, fleet *config.FleetConfig, pub EventPublisher) *Installer {
	return &Installer{reg: reg, services: services, planner: planner, hosts: hosts, fleet: fleet, events: pub, reachability: dialTCPChecker}
}

// anyMemberReachable probes every member's client port on each attempt,
// succeeding as soon as one accepts a TCP connection. Mirrors the Client's
// own fall-through-the-member-list behavior in client.go's run().
func (in *Installer) anyMemberReachable(nodes []types.ArakoonNode) health.CheckerFunc {
	return func(ctx context.Context) health.Result {
		for _, node := range nodes {
			checker := in.reachability(fmt.Sprintf("%s:%d", node.IP, node.ClientPort))
			if result := checker.Check(ctx); result.Healthy {
				return result
			}
		}
		return health.Result{Healthy: false, Message: "no member's client port is reachable"}
	}
}

func (in *Installer) publish(eventType events.EventType, clusterName, message string) {
	if in.events == nil {
		return
	}
	in.events.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"cluster_name": clusterName},
	})
}

// GetServiceNameForCluster returns the systemd unit target name every
// member of clusterName's service runs under.
func GetServiceNameForCluster(clusterName string) string {
	return fmt.Sprintf("arakoon-%s", clusterName)
}

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

func (in *Installer) defaultPortRange() []types.PortRange {
	if in.fleet != nil && len(in.fleet.Settings.DefaultPortRange) > 0 {
		return in.fleet.Settings.DefaultPortRange
	}
	return []types.PortRange{{Low: 26400, High: 26499}}
}

func (in *Installer) engineUser() (string, string) {
	if in.fleet != nil {
		return in.fleet.Settings.EngineUser, in.fleet.Settings.EngineGroup
	}
	return "ovs", "ovs"
}

func joinClusterTypes(clusterTypes []types.ClusterType) string {
	names := make([]string, len(clusterTypes))
	for i, t := range clusterTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// normalizePlugins validates the dynamically typed plugins argument the
// way the reference installer does: anything but a (possibly nil) string
// map is rejected outright, regardless of the cluster_type being created.
func normalizePlugins(plugins interface{}) (map[string]string, error) {
	if plugins == nil {
		return nil, nil
	}
	m, ok := plugins.(map[string]string)
	if !ok {
		return nil, clustererr.NewInvalidArgument("Plugins should be a dict")
	}
	return m, nil
}

func pluginNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toPluginVersions(m map[string]string) []types.PluginVersion {
	var out []types.PluginVersion
	for _, name := range pluginNames(m) {
		out = append(out, types.PluginVersion{Name: name, Command: m[name]})
	}
	return out
}

func sameNames(existing []types.PluginVersion, given map[string]string) bool {
	existingNames := make([]string, len(existing))
	for i, p := range existing {
		existingNames[i] = p.Name
	}
	sort.Strings(existingNames)
	givenNames := pluginNames(given)
	if len(existingNames) != len(givenNames) {
		return false
	}
	for i := range existingNames {
		if existingNames[i] != givenNames[i] {
			return false
		}
	}
	return true
}

func extraVersionCmd(plugins []types.PluginVersion) string {
	cmds := make([]string, 0, len(plugins))
	for _, p := range plugins {
		if p.Command != "" {
			cmds = append(cmds, p.Command)
		}
	}
	return strings.Join(cmds, ";")
}

func nextNodeName(nodes []types.ArakoonNode) string {
	max := 0
	for _, n := range nodes {
		var v int
		if _, err := fmt.Sscanf(n.Name, "%d", &v); err == nil && v > max {
			max = v
		}
	}
	return fmt.Sprintf("%d", max+1)
}

func findNodeByIP(nodes []types.ArakoonNode, ip string) (types.ArakoonNode, bool) {
	for _, n := range nodes {
		if n.IP == ip {
			return n, true
		}
	}
	return types.ArakoonNode{}, false
}

func removeNodeByIP(nodes []types.ArakoonNode, ip string) []types.ArakoonNode {
	out := make([]types.ArakoonNode, 0, len(nodes))
	for _, n := range nodes {
		if n.IP != ip {
			out = append(out, n)
		}
	}
	return out
}

func catchupRef(clusterName string, clusterType types.ClusterType) string {
	if clusterType == types.ClusterTypeCFG {
		return CFGConfigPath(clusterName)
	}
	return fmt.Sprintf("file://opt/OpenvStorage/config/framework.json?key=%s", ConfigKey(clusterName))
}

func (in *Installer) renderParams(node types.ArakoonNode, clusterName string, clusterType types.ClusterType, extra string) map[string]interface{} {
	user, group := in.engineUser()
	params := map[string]interface{}{
		"NodeName":     node.Name,
		"ClusterName":  clusterName,
		"EngineUser":   user,
		"EngineGroup":  group,
		"ConfigSource": catchupRef(clusterName, clusterType),
	}
	if extra != "" {
		params["EXTRA_VERSION_CMD"] = extra
	}
	return params
}

func (in *Installer) createMemberDirs(ctx context.Context, client HostClient, baseDir, clusterName string) error {
	home := NodeHomeDir(baseDir, clusterName)
	tlog := NodeTlogDir(baseDir, clusterName)
	if err := client.DirCreate(ctx, home, tlog); err != nil {
		return err
	}
	user, group := in.engineUser()
	if err := client.DirChown(ctx, user, group, true, home, tlog); err != nil {
		return err
	}
	return client.DirChmod(ctx, 0755, true, home, tlog)
}

// publishConfig writes cluster's canonical serialization to wherever
// clusterType stores it: a flat file on every member for CFG, the Config
// Registry for everything else.
func (in *Installer) publishConfig(ctx context.Context, cluster types.ArakoonCluster, clusterType types.ClusterType, ip string) error {
	raw := Serialize(cluster)
	if clusterType != types.ClusterTypeCFG {
		return in.reg.SetRaw(ConfigKey(cluster.ClusterName), []byte(raw))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range cluster.Nodes {
		node := node
		g.Go(func() error {
			client, err := in.hostClient(node.IP)
			if err != nil {
				return err
			}
			return client.FileWrite(gctx, CFGConfigPath(cluster.ClusterName), []byte(raw), 0644)
		})
	}
	return g.Wait()
}

func (in *Installer) loadConfig(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string) (types.ArakoonCluster, error) {
	if clusterType == types.ClusterTypeCFG {
		if ip == "" {
			return types.ArakoonCluster{}, clustererr.NewNotFound("ip is required for CFG cluster %q", clusterName)
		}
		client, err := in.hostClient(ip)
		if err != nil {
			return types.ArakoonCluster{}, err
		}
		raw, err := client.FileRead(ctx, CFGConfigPath(clusterName))
		if err != nil {
			return types.ArakoonCluster{}, clustererr.NewNotFound("cluster %q not found on %s", clusterName, ip)
		}
		cluster, err := Parse(string(raw))
		if err != nil {
			return types.ArakoonCluster{}, err
		}
		cluster.ClusterName = clusterName
		cluster.ClusterType = clusterType
		return cluster, nil
	}

	exists, err := in.reg.Exists(ConfigKey(clusterName))
	if err != nil {
		return types.ArakoonCluster{}, err
	}
	if !exists {
		return types.ArakoonCluster{}, clustererr.NewNotFound("cluster %q not found", clusterName)
	}
	raw, err := in.reg.GetRaw(ConfigKey(clusterName))
	if err != nil {
		return types.ArakoonCluster{}, err
	}
	cluster, err := Parse(string(raw))
	if err != nil {
		return types.ArakoonCluster{}, err
	}
	cluster.ClusterName = clusterName
	cluster.ClusterType = clusterType
	return cluster, nil
}

func (in *Installer) clusterExists(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string) (bool, error) {
	if clusterType == types.ClusterTypeCFG {
		client, err := in.hostClient(ip)
		if err != nil {
			return false, err
		}
		return client.FileExists(ctx, CFGConfigPath(clusterName))
	}
	return in.reg.Exists(ConfigKey(clusterName))
}

// CreateResult is what create_cluster/extend_cluster hand back: the newly
// allocated ports, the METADATA_KEY document, and the service params
// published alongside the new member.
type CreateResult struct {
	Ports           []int
	Metadata        types.ArakoonMetadata
	ServiceMetadata map[string]interface{}
}

// CreateCluster builds a brand-new single-node cluster rooted at ip,
// installing its halted service but not starting it; start_cluster is a
// separate call.
func (in *Installer) CreateCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, ip, baseDir string, plugins interface{}, portRange []types.PortRange, internal bool) (*CreateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterCreateDuration, string(clusterType))

	logger := log.WithOperation("create_cluster")

	if !types.IsValidArakoonClusterType(clusterType) {
		return nil, clustererr.NewInvalidArgument("invalid cluster_type %q, must be one of: %s", clusterType, joinClusterTypes(types.AllArakoonClusterTypes))
	}
	pluginMap, err := normalizePlugins(plugins)
	if err != nil {
		return nil, err
	}

	exists, err := in.clusterExists(ctx, clusterName, clusterType, ip)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, clustererr.NewInvalidArgument("%q already exists", clusterName)
	}

	client, err := in.hostClient(ip)
	if err != nil {
		return nil, err
	}

	ranges := portRange
	if len(ranges) == 0 {
		ranges = in.defaultPortRange()
	}
	allocated, err := in.planner.GetFreePorts(ctx, client, ranges, nil, 2)
	if err != nil {
		return nil, err
	}

	if err := in.createMemberDirs(ctx, client, baseDir, clusterName); err != nil {
		return nil, err
	}

	node := types.ArakoonNode{Name: "1", IP: ip, ClientPort: allocated[0], MessagingPort: allocated[1], BaseDir: baseDir}
	cluster := types.ArakoonCluster{
		ClusterName:    clusterName,
		ClusterType:    clusterType,
		Internal:       internal,
		Plugins:        toPluginVersions(pluginMap),
		Nodes:          []types.ArakoonNode{node},
		TLogMaxEntries: types.TLogMaxEntriesDefault,
		State:          types.ClusterStateHalted,
	}

	extra := extraVersionCmd(cluster.Plugins)
	serviceMetadata := in.renderParams(node, clusterName, clusterType, extra)
	target := GetServiceNameForCluster(clusterName)
	if err := in.services.AddService(ctx, service.TemplateArakoon, client, serviceMetadata, target); err != nil {
		return nil, err
	}
	if err := in.services.RegisterService(in.hostName(ip), target, serviceMetadata); err != nil {
		return nil, err
	}

	if err := in.publishConfig(ctx, cluster, clusterType, ip); err != nil {
		return nil, err
	}

	logger.Info().Str("cluster_name", clusterName).Strs("ports", intsToStrings(allocated)).Msg("arakoon cluster created")
	in.publish(events.EventClusterCreated, clusterName, "arakoon cluster created")
	metrics.ClustersTotal.WithLabelValues(string(clusterType), string(types.ClusterStateHalted)).Inc()
	metrics.ClusterNodesTotal.WithLabelValues(string(clusterType)).Inc()

	return &CreateResult{
		Ports:           allocated,
		Metadata:        types.ArakoonMetadata{ClusterName: clusterName, ClusterType: clusterType, InUse: false, Internal: internal},
		ServiceMetadata: serviceMetadata,
	}, nil
}

func intsToStrings(ints []int) []string {
	out := make([]string, len(ints))
	for i, v := range ints {
		out[i] = fmt.Sprintf("%d", v)
	}
	return out
}

// StartCluster starts every member's service and waits for the cluster to
// report healthy before publishing its METADATA_KEY/INTERNAL_CONFIG_KEY
// documents into the running engine. ip locates a CFG cluster's config
// file; it is ignored for non-CFG clusters.
func (in *Installer) StartCluster(ctx context.Context, metadata types.ArakoonMetadata, ip string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterCreateDuration, string(metadata.ClusterType))

	cluster, err := in.loadConfig(ctx, metadata.ClusterName, metadata.ClusterType, ip)
	if err != nil {
		return err
	}

	target := GetServiceNameForCluster(metadata.ClusterName)
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range cluster.Nodes {
		node := node
		g.Go(func() error {
			client, err := in.hostClient(node.IP)
			if err != nil {
				return err
			}
			return in.services.StartService(gctx, client, target)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	engineClient, err := in.BuildClient(ctx, cluster)
	if err != nil {
		return err
	}

	if _, err := health.Probe(ctx, in.anyMemberReachable(cluster.Nodes), 5, health.LinearBackoff(5), "arakoon_tcp"); err != nil {
		in.publish(events.EventHealthProbeFailed, metadata.ClusterName, err.Error())
		return err
	}

	checker := health.CheckerFunc(func(ctx context.Context) health.Result {
		if _, err := engineClient.Exists(ctx, MetadataKey); err != nil {
			return health.Result{Healthy: false, Message: err.Error()}
		}
		return health.Result{Healthy: true}
	})
	if _, err := health.Probe(ctx, checker, 5, health.LinearBackoff(5), "arakoon"); err != nil {
		in.publish(events.EventHealthProbeFailed, metadata.ClusterName, err.Error())
		return err
	}

	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	if err := engineClient.Set(ctx, MetadataKey, metadataJSON); err != nil {
		return err
	}
	if err := engineClient.Set(ctx, InternalConfigKey, Serialize(cluster)); err != nil {
		return err
	}
	in.publish(events.EventClusterStarted, metadata.ClusterName, "arakoon cluster started")
	metrics.ClustersTotal.WithLabelValues(string(metadata.ClusterType), string(types.ClusterStateHalted)).Dec()
	metrics.ClustersTotal.WithLabelValues(string(metadata.ClusterType), string(types.ClusterStateRunning)).Inc()
	return nil
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(data), nil
}

// ExtendCluster adds a new member at newIP to an existing cluster, leaving
// it halted: it is not started and not caught up until restart_cluster_add
// runs. plugins, when non-nil, must name exactly the cluster's existing
// plugin set; ExtendCluster never changes which plugins a cluster runs.
func (in *Installer) ExtendCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, newIP, baseDir string, plugins interface{}, portRange []types.PortRange, ip string) (*CreateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterExtendDuration, string(clusterType))

	cluster, err := in.loadConfig(ctx, clusterName, clusterType, ip)
	if err != nil {
		return nil, err
	}

	pluginMap, err := normalizePlugins(plugins)
	if err != nil {
		return nil, err
	}
	if !sameNames(cluster.Plugins, pluginMap) {
		return nil, clustererr.NewInvalidArgument("plugins for cluster %q do not match its existing plugins", clusterName)
	}

	if _, already := findNodeByIP(cluster.Nodes, newIP); already {
		return nil, clustererr.NewInvalidArgument("%q already has a member at %s", clusterName, newIP)
	}

	client, err := in.hostClient(newIP)
	if err != nil {
		return nil, err
	}

	ranges := portRange
	if len(ranges) == 0 {
		ranges = in.defaultPortRange()
	}
	allocated, err := in.planner.GetFreePorts(ctx, client, ranges, nil, 2)
	if err != nil {
		return nil, err
	}

	if err := in.createMemberDirs(ctx, client, baseDir, clusterName); err != nil {
		return nil, err
	}

	node := types.ArakoonNode{Name: nextNodeName(cluster.Nodes), IP: newIP, ClientPort: allocated[0], MessagingPort: allocated[1], BaseDir: baseDir}

	extra := extraVersionCmd(cluster.Plugins)
	serviceMetadata := in.renderParams(node, clusterName, clusterType, extra)
	target := GetServiceNameForCluster(clusterName)
	if err := in.services.AddService(ctx, service.TemplateArakoon, client, serviceMetadata, target); err != nil {
		return nil, err
	}
	if err := in.services.RegisterService(in.hostName(newIP), target, serviceMetadata); err != nil {
		return nil, err
	}

	cluster.Nodes = append(cluster.Nodes, node)
	if err := in.publishConfig(ctx, cluster, clusterType, ip); err != nil {
		return nil, err
	}
	in.publish(events.EventClusterExtended, clusterName, fmt.Sprintf("member %s added at %s", node.Name, newIP))
	metrics.ClusterNodesTotal.WithLabelValues(string(clusterType)).Inc()

	return &CreateResult{
		Ports:           allocated,
		Metadata:        types.ArakoonMetadata{ClusterName: clusterName, ClusterType: clusterType, InUse: cluster.InUse, Internal: cluster.Internal},
		ServiceMetadata: serviceMetadata,
	}, nil
}

// RestartClusterAdd catches the member at newIP up from the rest of the
// cluster and starts it, then cycles every other current member so each
// one picks up the wider membership. currentIPs may or may not already
// include newIP; either way newIP is only started once, by name, never
// through the cycle loop below.
func (in *Installer) RestartClusterAdd(ctx context.Context, clusterName string, clusterType types.ClusterType, currentIPs []string, newIP string, ip string) error {
	cluster, err := in.loadConfig(ctx, clusterName, clusterType, ip)
	if err != nil {
		return err
	}

	newNode, ok := findNodeByIP(cluster.Nodes, newIP)
	if !ok {
		return clustererr.NewNotFound("node at %s not found in cluster %q", newIP, clusterName)
	}

	client, err := in.hostClient(newIP)
	if err != nil {
		return err
	}

	catchupCmd := fmt.Sprintf("arakoon --node %s -config %s -catchup-only", newNode.Name, catchupRef(clusterName, clusterType))
	if _, err := client.Run(ctx, catchupCmd); err != nil {
		return err
	}

	target := GetServiceNameForCluster(clusterName)
	if err := in.services.StartService(ctx, client, target); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, currentIP := range currentIPs {
		if currentIP == newIP {
			continue
		}
		currentIP := currentIP
		g.Go(func() error {
			member, err := in.hostClient(currentIP)
			if err != nil {
				return err
			}
			if err := in.services.StopService(gctx, member, target); err != nil {
				return err
			}
			return in.services.StartService(gctx, member, target)
		})
	}
	return g.Wait()
}

// ShrinkCluster removes the member at ip from the cluster. remainingIP
// locates a CFG cluster's config file on a member other than the one
// being removed; it is required for CFG clusters and ignored otherwise.
func (in *Installer) ShrinkCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string, remainingIP string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterShrinkDuration, string(clusterType))

	loadIP := remainingIP
	if loadIP == "" {
		loadIP = ip
	}
	if clusterType == types.ClusterTypeCFG && remainingIP == "" {
		return clustererr.NewNotFound("remaining_ip is required to shrink CFG cluster %q", clusterName)
	}

	cluster, err := in.loadConfig(ctx, clusterName, clusterType, loadIP)
	if err != nil {
		return err
	}

	node, ok := findNodeByIP(cluster.Nodes, ip)
	if !ok {
		return clustererr.NewNotFound("node at %s not found in cluster %q", ip, clusterName)
	}

	client, err := in.hostClient(ip)
	if err != nil {
		return err
	}

	target := GetServiceNameForCluster(clusterName)
	if err := in.services.StopService(ctx, client, target); err != nil && clustererr.IsTransient(err) {
		return err
	}
	if err := in.services.RemoveService(ctx, client, target); err != nil {
		return err
	}
	if err := client.DirDelete(ctx, NodeHomeDir(node.BaseDir, clusterName), NodeTlogDir(node.BaseDir, clusterName)); err != nil {
		return err
	}

	cluster.Nodes = removeNodeByIP(cluster.Nodes, ip)
	if err := in.publishConfig(ctx, cluster, clusterType, remainingIP); err != nil {
		return err
	}
	in.publish(events.EventClusterShrunk, clusterName, fmt.Sprintf("member at %s removed", ip))
	metrics.ClusterNodesTotal.WithLabelValues(string(clusterType)).Dec()
	return nil
}

// DeleteCluster tears every member's service and data directory down and
// removes the cluster's config entirely. Deleting an already-absent
// cluster is a no-op, matching absent being a stable terminal state.
func (in *Installer) DeleteCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterDeleteDuration, string(clusterType))

	if clusterType == types.ClusterTypeCFG && ip == "" {
		return clustererr.NewNotFound("ip is required to delete CFG cluster %q", clusterName)
	}

	cluster, err := in.loadConfig(ctx, clusterName, clusterType, ip)
	if err != nil {
		if clustererr.IsNotFound(err) {
			return nil
		}
		return err
	}

	target := GetServiceNameForCluster(clusterName)
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range cluster.Nodes {
		node := node
		g.Go(func() error {
			client, err := in.hostClient(node.IP)
			if err != nil {
				return err
			}
			if err := in.services.RemoveService(gctx, client, target); err != nil {
				return err
			}
			return client.DirDelete(gctx, NodeHomeDir(node.BaseDir, clusterName), NodeTlogDir(node.BaseDir, clusterName))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if clusterType == types.ClusterTypeCFG {
		client, err := in.hostClient(ip)
		if err != nil {
			return err
		}
		if err := client.DirDelete(ctx, CFGConfigPath(clusterName)); err != nil {
			return err
		}
		in.publish(events.EventClusterDeleted, clusterName, "cluster deleted")
		in.observeClusterDeleted(cluster)
		return nil
	}
	if err := in.reg.Delete(ConfigKey(clusterName)); err != nil {
		return err
	}
	in.publish(events.EventClusterDeleted, clusterName, "cluster deleted")
	in.observeClusterDeleted(cluster)
	return nil
}

// observeClusterDeleted removes a torn-down cluster's members from the
// gauges CreateCluster/StartCluster built up.
func (in *Installer) observeClusterDeleted(cluster types.ArakoonCluster) {
	metrics.ClustersTotal.WithLabelValues(string(cluster.ClusterType), string(cluster.State)).Dec()
	metrics.ClusterNodesTotal.WithLabelValues(string(cluster.ClusterType)).Sub(float64(len(cluster.Nodes)))
}

// setInUse flips the METADATA_KEY document's in_use flag through a live
// engine client; claim_cluster/unclaim_cluster are the same operation with
// opposite booleans.
func (in *Installer) setInUse(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string, inUse bool) error {
	cluster, err := in.loadConfig(ctx, clusterName, clusterType, ip)
	if err != nil {
		return err
	}
	client, err := in.BuildClient(ctx, cluster)
	if err != nil {
		return err
	}
	raw, err := client.Get(ctx, MetadataKey)
	if err != nil {
		return err
	}
	var metadata types.ArakoonMetadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata for cluster %q: %w", clusterName, err)
	}
	metadata.InUse = inUse
	data, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, MetadataKey, data); err != nil {
		return err
	}
	if inUse {
		in.publish(events.EventClusterClaimed, clusterName, "cluster claimed")
	} else {
		in.publish(events.EventClusterUnclaimed, clusterName, "cluster unclaimed")
	}
	return nil
}

// ClaimCluster marks clusterName as in use.
func (in *Installer) ClaimCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string) error {
	return in.setInUse(ctx, clusterName, clusterType, ip, true)
}

// UnclaimCluster marks clusterName as free for reuse.
func (in *Installer) UnclaimCluster(ctx context.Context, clusterName string, clusterType types.ClusterType, ip string) error {
	return in.setInUse(ctx, clusterName, clusterType, ip, false)
}

func (in *Installer) listClusterNames() ([]string, error) {
	entries, err := in.reg.List("/ovs/arakoon/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for key := range entries {
		trimmed := strings.TrimPrefix(key, "/ovs/arakoon/")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) != 2 || parts[1] != "config" {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			names = append(names, parts[0])
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetUnusedArakoonClusters lists every non-CFG cluster of clusterType
// whose METADATA_KEY document reports in_use == false. CFG clusters are
// never handed out this way since nothing short of a host visit can even
// enumerate them.
func (in *Installer) GetUnusedArakoonClusters(ctx context.Context, clusterType types.ClusterType) ([]types.ArakoonMetadata, error) {
	if clusterType == types.ClusterTypeCFG {
		return nil, clustererr.NewInvalidArgument("cluster_type must be one of: %s", joinClusterTypes(types.NonCFGArakoonClusterTypes))
	}

	names, err := in.listClusterNames()
	if err != nil {
		return nil, err
	}

	var unused []types.ArakoonMetadata
	for _, name := range names {
		cluster, err := in.loadConfig(ctx, name, clusterType, "")
		if err != nil {
			continue
		}
		client, err := in.BuildClient(ctx, cluster)
		if err != nil {
			continue
		}
		raw, err := client.Get(ctx, MetadataKey)
		if err != nil {
			continue
		}
		var metadata types.ArakoonMetadata
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			continue
		}
		if metadata.ClusterType == clusterType && !metadata.InUse {
			unused = append(unused, metadata)
		}
	}
	return unused, nil
}

// GetUnusedArakoonMetadataAndClaim picks an unused cluster of clusterType
// (clusterName, if given, pins the choice to that one cluster) and claims
// it in the same call. It does not itself guard against two callers
// racing for the same cluster; pkg/claim's lock is what makes this safe
// to call concurrently across the fleet.
func (in *Installer) GetUnusedArakoonMetadataAndClaim(ctx context.Context, clusterType types.ClusterType, clusterName string, ip string) (*types.ArakoonMetadata, error) {
	unused, err := in.GetUnusedArakoonClusters(ctx, clusterType)
	if err != nil {
		return nil, err
	}

	var chosen *types.ArakoonMetadata
	for i := range unused {
		if clusterName == "" || unused[i].ClusterName == clusterName {
			chosen = &unused[i]
			break
		}
	}
	if chosen == nil {
		return nil, clustererr.NewNotFound("no unused %s cluster available", clusterType)
	}

	if err := in.ClaimCluster(ctx, chosen.ClusterName, clusterType, ip); err != nil {
		return nil, err
	}
	chosen.InUse = true
	return chosen, nil
}
