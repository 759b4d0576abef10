package arakoon

import (
	"testing"

	"github.com/openvstorage/fleetctl/pkg/types"
)

func TestSerializeSingleNodeNoPlugins(t *testing.T) {
	cluster := types.ArakoonCluster{
		ClusterName: "internal_fwk",
		Nodes: []types.ArakoonNode{
			{Name: "1", IP: "10.0.0.1", ClientPort: 26400, MessagingPort: 26401, BaseDir: "/m1/bd1"},
		},
	}

	want := "[global]\n" +
		"cluster = 1\n" +
		"cluster_id = internal_fwk\n" +
		"plugins = \n" +
		"tlog_max_entries = 5000\n" +
		"\n" +
		"[1]\n" +
		"client_port = 26400\n" +
		"crash_log_sinks = console:\n" +
		"fsync = true\n" +
		"home = /m1/bd1/arakoon/internal_fwk/db\n" +
		"ip = 10.0.0.1\n" +
		"log_level = info\n" +
		"log_sinks = console:\n" +
		"messaging_port = 26401\n" +
		"name = 1\n" +
		"tlog_compression = snappy\n" +
		"tlog_dir = /m1/bd1/arakoon/internal_fwk/tlogs\n" +
		"\n"

	got := Serialize(cluster)
	if got != want {
		t.Errorf("Serialize() mismatch\ngot:\n%q\nwant:\n%q", got, want)
	}
}

func TestSerializeMultiNodeWithPlugins(t *testing.T) {
	cluster := types.ArakoonCluster{
		ClusterName: "unittest_abm",
		Plugins: []types.PluginVersion{
			{Name: "plugin1", Command: "command1"},
			{Name: "plugin2", Command: "command2"},
		},
		Nodes: []types.ArakoonNode{
			{Name: "1", IP: "10.0.0.1", ClientPort: 26400, MessagingPort: 26401, BaseDir: "/m1/bd1"},
			{Name: "2", IP: "10.0.0.2", ClientPort: 26410, MessagingPort: 26411, BaseDir: "/m2/bd2"},
		},
	}

	got := Serialize(cluster)
	wantGlobal := "[global]\n" +
		"cluster = 1,2\n" +
		"cluster_id = unittest_abm\n" +
		"plugins = plugin1,plugin2\n" +
		"tlog_max_entries = 5000\n\n"
	if got[:len(wantGlobal)] != wantGlobal {
		t.Errorf("global section mismatch\ngot:\n%q\nwant:\n%q", got[:len(wantGlobal)], wantGlobal)
	}
}

func TestSerializeIsOrderSensitive(t *testing.T) {
	cluster := types.ArakoonCluster{
		ClusterName: "c",
		Nodes: []types.ArakoonNode{
			{Name: "2", IP: "10.0.0.2", ClientPort: 1, MessagingPort: 2, BaseDir: "/b"},
			{Name: "1", IP: "10.0.0.1", ClientPort: 3, MessagingPort: 4, BaseDir: "/b"},
		},
	}
	got := Serialize(cluster)
	if got[:len("[global]\ncluster = 2,1\n")] != "[global]\ncluster = 2,1\n" {
		t.Errorf("expected insertion order preserved, got %q", got)
	}
}

func TestParseRoundTripsSerialize(t *testing.T) {
	cluster := types.ArakoonCluster{
		ClusterName: "internal_fwk",
		Plugins: []types.PluginVersion{{Name: "plugin1"}},
		Nodes: []types.ArakoonNode{
			{Name: "1", IP: "10.0.0.1", ClientPort: 26400, MessagingPort: 26401, BaseDir: "/m1/bd1"},
			{Name: "2", IP: "10.0.0.2", ClientPort: 26410, MessagingPort: 26411, BaseDir: "/m2/bd2"},
		},
	}

	raw := Serialize(cluster)
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if parsed.ClusterName != cluster.ClusterName {
		t.Errorf("cluster name = %q, want %q", parsed.ClusterName, cluster.ClusterName)
	}
	if len(parsed.Nodes) != 2 || parsed.Nodes[0].Name != "1" || parsed.Nodes[1].Name != "2" {
		t.Fatalf("unexpected parsed nodes: %+v", parsed.Nodes)
	}
	if parsed.Nodes[1].IP != "10.0.0.2" || parsed.Nodes[1].ClientPort != 26410 || parsed.Nodes[1].BaseDir != "/m2/bd2" {
		t.Errorf("node 2 mismatch: %+v", parsed.Nodes[1])
	}
	if len(parsed.Plugins) != 1 || parsed.Plugins[0].Name != "plugin1" {
		t.Errorf("plugins mismatch: %+v", parsed.Plugins)
	}
}

func TestParseEmptyClusterHasNoNodes(t *testing.T) {
	cluster := types.ArakoonCluster{ClusterName: "empty"}
	parsed, err := Parse(Serialize(cluster))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(parsed.Nodes) != 0 {
		t.Errorf("expected no nodes, got %+v", parsed.Nodes)
	}
}
