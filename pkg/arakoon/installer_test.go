package arakoon

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/health"
	"github.com/openvstorage/fleetctl/pkg/ports"
	"github.com/openvstorage/fleetctl/pkg/service"
	"github.com/openvstorage/fleetctl/pkg/types"
)

// fakeHost mirrors the literal-command-matching fake used throughout the
// other packages: canned output per exact command string, with every call
// recorded.
type fakeHost struct {
	mu         sync.Mutex
	runReturns map[string]string
	runFails   map[string]bool
	recordings []string
	files      map[string][]byte
	dirs       map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		runReturns: make(map[string]string),
		runFails:   make(map[string]bool),
		files:      make(map[string][]byte),
		dirs:       make(map[string]bool),
	}
}

func (f *fakeHost) Run(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings = append(f.recordings, cmd)
	if f.runFails[cmd] {
		return f.runReturns[cmd], errExit{}
	}
	return f.runReturns[cmd], nil
}

type errExit struct{}

func (errExit) Error() string { return "exit status 1" }

func (f *fakeHost) FileRead(ctx context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, clustererr.NewNotFound("file %q not found", remotePath)
	}
	return data, nil
}

func (f *fakeHost) FileWrite(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = data
	return nil
}

func (f *fakeHost) FileExists(ctx context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok, nil
}

func (f *fakeHost) DirCreate(ctx context.Context, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		f.dirs[p] = true
	}
	return nil
}

func (f *fakeHost) DirChmod(ctx context.Context, mode os.FileMode, recursive bool, paths ...string) error {
	return nil
}

func (f *fakeHost) DirChown(ctx context.Context, owner, group string, recursive bool, paths ...string) error {
	return nil
}

func (f *fakeHost) DirDelete(ctx context.Context, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		delete(f.dirs, p)
	}
	return nil
}

// fakeStore is a minimal in-memory ConfigStore, standing in for
// *registry.Registry so these tests don't have to bootstrap raft.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.SetRaw(key, data)
}

func (s *fakeStore) SetRaw(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *fakeStore) Get(key string, out interface{}) error {
	raw, err := s.GetRaw(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *fakeStore) GetRaw(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, clustererr.NewNotFound("registry key %q not found", key)
	}
	return data, nil
}

func (s *fakeStore) Exists(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *fakeStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) List(prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// fakePlanner hands out fixed ports regardless of ranges, so tests don't
// depend on ss/ip_local_port_range plumbing.
type fakePlanner struct {
	ports []int
}

func (p *fakePlanner) GetFreePorts(ctx context.Context, client ports.RemoteClient, ranges []types.PortRange, exclude []int, nr int) ([]int, error) {
	if len(p.ports) < nr {
		return nil, clustererr.NewInvalidArgument("Unable to find requested nr of free ports")
	}
	return p.ports[:nr], nil
}

func newInstaller(t *testing.T, hosts map[string]*fakeHost, planner *fakePlanner) (*Installer, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	mgr := service.NewManager(store)
	factory := func(ip string) (HostClient, error) {
		h, ok := hosts[ip]
		if !ok {
			return nil, clustererr.NewNotFound("no host at %s", ip)
		}
		return h, nil
	}
	in := New(store, mgr, planner, factory, nil, nil)
	in.reachability = func(string) health.Checker {
		return health.CheckerFunc(func(ctx context.Context) health.Result { return health.Result{Healthy: true} })
	}
	return in, store
}

func TestCreateClusterAllocatesPortsAndPublishesConfig(t *testing.T) {
	host := newFakeHost()
	in, store := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host}, &fakePlanner{ports: []int{26400, 26401}})

	result, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true)
	if err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}
	if len(result.Ports) != 2 || result.Ports[0] != 26400 {
		t.Errorf("unexpected ports: %+v", result.Ports)
	}

	raw, err := store.GetRaw(ConfigKey("unittest_fwk"))
	if err != nil {
		t.Fatalf("expected config registry entry: %v", err)
	}
	cluster, err := Parse(string(raw))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(cluster.Nodes) != 1 || cluster.Nodes[0].Name != "1" {
		t.Fatalf("unexpected cluster nodes: %+v", cluster.Nodes)
	}

	if _, ok := host.files["/etc/systemd/system/arakoon-unittest_fwk.service"]; !ok {
		t.Error("expected service unit to be written")
	}
}

func TestCreateClusterRejectsDuplicateName(t *testing.T) {
	host := newFakeHost()
	in, _ := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host}, &fakePlanner{ports: []int{26400, 26401}})

	if _, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("first CreateCluster() failed: %v", err)
	}

	_, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true)
	if !clustererr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
	if !strings.Contains(err.Error(), `"unittest_fwk" already exists`) {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestCreateClusterRejectsInvalidClusterType(t *testing.T) {
	in, _ := newInstaller(t, map[string]*fakeHost{}, &fakePlanner{})

	_, err := in.CreateCluster(context.Background(), "x", types.ClusterType("BOGUS"), "10.0.0.1", "/mnt/db1", nil, nil, true)
	if !clustererr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
}

func TestCreateClusterRejectsNonMapPlugins(t *testing.T) {
	in, _ := newInstaller(t, map[string]*fakeHost{}, &fakePlanner{})

	_, err := in.CreateCluster(context.Background(), "x", types.ClusterTypeABM, "10.0.0.1", "/mnt/db1", []string{"not", "a", "dict"}, nil, true)
	if !clustererr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
	if err.Error() != "Plugins should be a dict" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestExtendClusterRejectsMismatchedPlugins(t *testing.T) {
	host1 := newFakeHost()
	host2 := newFakeHost()
	in, _ := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host1, "10.0.0.2": host2}, &fakePlanner{ports: []int{26400, 26401, 26410, 26411}})

	if _, err := in.CreateCluster(context.Background(), "unittest_abm", types.ClusterTypeABM, "10.0.0.1", "/mnt/db1", map[string]string{"plugin1": "command1"}, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}

	_, err := in.ExtendCluster(context.Background(), "unittest_abm", types.ClusterTypeABM, "10.0.0.2", "/mnt/db2", map[string]string{"plugin2": "command2"}, nil, "")
	if !clustererr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
}

func TestExtendClusterAddsSecondMember(t *testing.T) {
	host1 := newFakeHost()
	host2 := newFakeHost()
	in, store := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host1, "10.0.0.2": host2}, &fakePlanner{ports: []int{26400, 26401, 26410, 26411}})

	if _, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}

	result, err := in.ExtendCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.2", "/mnt/db2", nil, nil, "")
	if err != nil {
		t.Fatalf("ExtendCluster() failed: %v", err)
	}
	if result.Ports[0] != 26400 {
		t.Errorf("unexpected ports: %+v", result.Ports)
	}

	raw, err := store.GetRaw(ConfigKey("unittest_fwk"))
	if err != nil {
		t.Fatalf("GetRaw() failed: %v", err)
	}
	cluster, err := Parse(string(raw))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(cluster.Nodes) != 2 || cluster.Nodes[1].Name != "2" {
		t.Fatalf("unexpected cluster nodes after extend: %+v", cluster.Nodes)
	}
}

func TestShrinkClusterRemovesMemberAndData(t *testing.T) {
	host1 := newFakeHost()
	host2 := newFakeHost()
	in, store := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host1, "10.0.0.2": host2}, &fakePlanner{ports: []int{26400, 26401, 26410, 26411}})

	if _, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}
	if _, err := in.ExtendCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.2", "/mnt/db2", nil, nil, ""); err != nil {
		t.Fatalf("ExtendCluster() failed: %v", err)
	}

	if err := in.ShrinkCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.2", "10.0.0.1"); err != nil {
		t.Fatalf("ShrinkCluster() failed: %v", err)
	}

	raw, err := store.GetRaw(ConfigKey("unittest_fwk"))
	if err != nil {
		t.Fatalf("GetRaw() failed: %v", err)
	}
	cluster, err := Parse(string(raw))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(cluster.Nodes) != 1 || cluster.Nodes[0].IP != "10.0.0.1" {
		t.Fatalf("unexpected cluster nodes after shrink: %+v", cluster.Nodes)
	}

	if _, ok := host2.files["/etc/systemd/system/arakoon-unittest_fwk.service"]; ok {
		t.Error("expected removed member's unit file to be gone")
	}
}

func TestDeleteClusterIsIdempotentOnAbsentCluster(t *testing.T) {
	in, _ := newInstaller(t, map[string]*fakeHost{}, &fakePlanner{})

	if err := in.DeleteCluster(context.Background(), "never_existed", types.ClusterTypeFWK, ""); err != nil {
		t.Fatalf("DeleteCluster() on absent cluster should be a no-op, got %v", err)
	}
}

func TestDeleteClusterRemovesServiceAndConfig(t *testing.T) {
	host := newFakeHost()
	in, store := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host}, &fakePlanner{ports: []int{26400, 26401}})

	if _, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}

	if err := in.DeleteCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, ""); err != nil {
		t.Fatalf("DeleteCluster() failed: %v", err)
	}

	if exists, _ := store.Exists(ConfigKey("unittest_fwk")); exists {
		t.Error("expected config registry entry to be removed")
	}
	if _, ok := host.files["/etc/systemd/system/arakoon-unittest_fwk.service"]; ok {
		t.Error("expected unit file to be removed")
	}
}

func TestClaimClusterSetsInUseInMetadata(t *testing.T) {
	host := newFakeHost()
	in, _ := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host}, &fakePlanner{ports: []int{26400, 26401}})

	if _, err := in.CreateCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}

	metadataJSON, _ := json.Marshal(types.ArakoonMetadata{ClusterName: "unittest_fwk", ClusterType: types.ClusterTypeFWK, InUse: false})
	getCmd := "arakoon_client -h 10.0.0.1 -p 26400 get '/ovs/arakoon/metadata'"
	host.runReturns[getCmd] = string(metadataJSON)

	if err := in.ClaimCluster(context.Background(), "unittest_fwk", types.ClusterTypeFWK, "10.0.0.1"); err != nil {
		t.Fatalf("ClaimCluster() failed: %v", err)
	}

	found := false
	for _, cmd := range host.recordings {
		if strings.HasPrefix(cmd, "arakoon_client -h 10.0.0.1 -p 26400 set '/ovs/arakoon/metadata'") && strings.Contains(cmd, `"in_use":true`) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a set command marking in_use true, got %v", host.recordings)
	}
}

func TestGetUnusedArakoonClustersRejectsCFG(t *testing.T) {
	in, _ := newInstaller(t, map[string]*fakeHost{}, &fakePlanner{})

	_, err := in.GetUnusedArakoonClusters(context.Background(), types.ClusterTypeCFG)
	if !clustererr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
}

func TestRestartClusterAddIssuesExactCatchupCommand(t *testing.T) {
	host1 := newFakeHost()
	host2 := newFakeHost()
	in, _ := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host1, "10.0.0.2": host2}, &fakePlanner{ports: []int{26400, 26401, 26410, 26411}})

	if _, err := in.CreateCluster(context.Background(), "internal_fwk", types.ClusterTypeFWK, "10.0.0.1", "/mnt/db1", nil, nil, true); err != nil {
		t.Fatalf("CreateCluster() failed: %v", err)
	}
	if _, err := in.ExtendCluster(context.Background(), "internal_fwk", types.ClusterTypeFWK, "10.0.0.2", "/mnt/db2", nil, nil, ""); err != nil {
		t.Fatalf("ExtendCluster() failed: %v", err)
	}

	if err := in.RestartClusterAdd(context.Background(), "internal_fwk", types.ClusterTypeFWK, []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.2", ""); err != nil {
		t.Fatalf("RestartClusterAdd() failed: %v", err)
	}

	wantCatchup := "arakoon --node 2 -config file://opt/OpenvStorage/config/framework.json?key=/ovs/arakoon/internal_fwk/config -catchup-only"
	if !containsCmd(host2.recordings, wantCatchup) {
		t.Errorf("expected catch-up command %q on new member, got %v", wantCatchup, host2.recordings)
	}

	wantStart := "systemctl start arakoon-internal_fwk.service"
	if !containsCmd(host2.recordings, wantStart) {
		t.Errorf("expected new member to be started, got %v", host2.recordings)
	}

	wantStop := "systemctl stop arakoon-internal_fwk.service"
	if !containsCmd(host1.recordings, wantStop) || !containsCmd(host1.recordings, wantStart) {
		t.Errorf("expected other current member to be stopped and restarted, got %v", host1.recordings)
	}
}

func TestRestartClusterAddUsesFlatFileConfigForCFGCluster(t *testing.T) {
	host1 := newFakeHost()
	host1.files[CFGConfigPath("cfg_cluster")] = []byte(Serialize(types.ArakoonCluster{
		ClusterName: "cfg_cluster",
		ClusterType: types.ClusterTypeCFG,
		Nodes: []types.ArakoonNode{
			{Name: "1", IP: "10.0.0.1", ClientPort: 26400, MessagingPort: 26401, BaseDir: "/mnt/db1"},
		},
	}))
	in, _ := newInstaller(t, map[string]*fakeHost{"10.0.0.1": host1}, &fakePlanner{})

	if err := in.RestartClusterAdd(context.Background(), "cfg_cluster", types.ClusterTypeCFG, []string{"10.0.0.1"}, "10.0.0.1", "10.0.0.1"); err != nil {
		t.Fatalf("RestartClusterAdd() failed: %v", err)
	}

	wantCatchup := "arakoon --node 1 -config /opt/OpenvStorage/config/arakoon_cfg_cluster.ini -catchup-only"
	if !containsCmd(host1.recordings, wantCatchup) {
		t.Errorf("expected flat-file catch-up command %q, got %v", wantCatchup, host1.recordings)
	}
}

func containsCmd(recordings []string, want string) bool {
	for _, cmd := range recordings {
		if cmd == want {
			return true
		}
	}
	return false
}

func TestGetServiceNameForCluster(t *testing.T) {
	if got := GetServiceNameForCluster("unittest_fwk"); got != "arakoon-unittest_fwk" {
		t.Errorf("got %q, want arakoon-unittest_fwk", got)
	}
}
