package arakoon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openvstorage/fleetctl/pkg/types"
)

// ConfigKey returns the Config Registry key a non-CFG cluster's
// serialized config lives under.
func ConfigKey(clusterName string) string {
	return fmt.Sprintf("/ovs/arakoon/%s/config", clusterName)
}

// CFGConfigPath returns the flat-file path a CFG-type cluster's
// serialized config lives at, on every member.
func CFGConfigPath(clusterName string) string {
	return fmt.Sprintf("/opt/OpenvStorage/config/arakoon_%s.ini", clusterName)
}

// NodeHomeDir returns the data directory a node's "home" field points
// at.
func NodeHomeDir(baseDir, clusterName string) string {
	return fmt.Sprintf("%s/arakoon/%s/db", baseDir, clusterName)
}

// NodeTlogDir returns the transaction log directory a node's "tlog_dir"
// field points at.
func NodeTlogDir(baseDir, clusterName string) string {
	return fmt.Sprintf("%s/arakoon/%s/tlogs", baseDir, clusterName)
}

// Serialize renders c in the canonical two-part form: a [global] section
// followed by one [<node_name>] section per node, in insertion order.
// Every section, including the last, is terminated by a blank line; the
// exact field order and spacing here is load-bearing, not cosmetic —
// tests compare the result byte-for-byte.
func Serialize(c types.ArakoonCluster) string {
	var b strings.Builder

	nodeNames := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		nodeNames[i] = n.Name
	}
	pluginNames := make([]string, len(c.Plugins))
	for i, p := range c.Plugins {
		pluginNames[i] = p.Name
	}

	b.WriteString("[global]\n")
	b.WriteString("cluster = " + strings.Join(nodeNames, ",") + "\n")
	b.WriteString("cluster_id = " + c.ClusterName + "\n")
	b.WriteString("plugins = " + strings.Join(pluginNames, ",") + "\n")
	b.WriteString("tlog_max_entries = " + strconv.Itoa(types.TLogMaxEntriesDefault) + "\n")
	b.WriteString("\n")

	for _, n := range c.Nodes {
		b.WriteString("[" + n.Name + "]\n")
		b.WriteString("client_port = " + strconv.Itoa(n.ClientPort) + "\n")
		b.WriteString("crash_log_sinks = console:\n")
		b.WriteString("fsync = true\n")
		b.WriteString("home = " + NodeHomeDir(n.BaseDir, c.ClusterName) + "\n")
		b.WriteString("ip = " + n.IP + "\n")
		b.WriteString("log_level = info\n")
		b.WriteString("log_sinks = console:\n")
		b.WriteString("messaging_port = " + strconv.Itoa(n.MessagingPort) + "\n")
		b.WriteString("name = " + n.Name + "\n")
		b.WriteString("tlog_compression = snappy\n")
		b.WriteString("tlog_dir = " + NodeTlogDir(n.BaseDir, c.ClusterName) + "\n")
		b.WriteString("\n")
	}

	return b.String()
}

// Parse recovers a cluster's node list, plugin names, and cluster name
// from its canonical serialized form. Plugin version commands are not
// recoverable this way (§4.5's config carries only plugin names); a
// caller that needs EXTRA_VERSION_CMD again must supply the plugins
// mapping itself, exactly as extend_cluster's contract requires.
func Parse(raw string) (types.ArakoonCluster, error) {
	sections := parseSections(raw)

	global, ok := sections["global"]
	if !ok {
		return types.ArakoonCluster{}, fmt.Errorf("arakoon config: missing [global] section")
	}

	cluster := types.ArakoonCluster{
		ClusterName:    global["cluster_id"],
		TLogMaxEntries: types.TLogMaxEntriesDefault,
	}

	if plugins := global["plugins"]; plugins != "" {
		for _, name := range strings.Split(plugins, ",") {
			cluster.Plugins = append(cluster.Plugins, types.PluginVersion{Name: name})
		}
	}

	nodeNames := splitNonEmpty(global["cluster"])
	for _, name := range nodeNames {
		sec, ok := sections[name]
		if !ok {
			return types.ArakoonCluster{}, fmt.Errorf("arakoon config: node %q listed in [global] but has no section", name)
		}
		clientPort, err := strconv.Atoi(sec["client_port"])
		if err != nil {
			return types.ArakoonCluster{}, fmt.Errorf("arakoon config: node %q has invalid client_port: %w", name, err)
		}
		messagingPort, err := strconv.Atoi(sec["messaging_port"])
		if err != nil {
			return types.ArakoonCluster{}, fmt.Errorf("arakoon config: node %q has invalid messaging_port: %w", name, err)
		}
		baseDir := strings.TrimSuffix(sec["home"], "/arakoon/"+cluster.ClusterName+"/db")
		cluster.Nodes = append(cluster.Nodes, types.ArakoonNode{
			Name:          name,
			IP:            sec["ip"],
			ClientPort:    clientPort,
			MessagingPort: messagingPort,
			BaseDir:       baseDir,
		})
	}

	return cluster, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseSections splits an INI-shaped config into section name -> (key ->
// value) maps, tolerating the blank-line section separators Serialize
// writes.
func parseSections(raw string) map[string]map[string]string {
	sections := make(map[string]map[string]string)
	var current string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			sections[current] = make(map[string]string)
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 || current == "" {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		sections[current][key] = value
	}
	return sections
}
