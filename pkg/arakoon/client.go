package arakoon

import (
	"context"
	"fmt"
	"strings"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/types"
)

// MetadataKey and InternalConfigKey are the two documents every running
// Arakoon cluster keeps inside its own key/value store, alongside whatever
// application data it carries for its callers.
const (
	MetadataKey       = "/ovs/arakoon/metadata"
	InternalConfigKey = "/ovs/arakoon/internal_config"
)

// Client is a minimal handle to a running Arakoon cluster's key/value
// store, bound to the member list a config snapshot gave it. It is not a
// full Pyrakoon-equivalent client — implementing the Paxos read/write
// protocol itself is out of scope here — so it drives arakoon_client
// against whichever member answers first, falling through the rest of the
// list on a transient failure.
type Client struct {
	nodes []types.ArakoonNode
	hosts HostClientFactory
}

// BuildClient returns a Client bound to cluster's current membership.
func (in *Installer) BuildClient(ctx context.Context, cluster types.ArakoonCluster) (*Client, error) {
	if len(cluster.Nodes) == 0 {
		return nil, clustererr.NewNotFound("arakoon cluster %q has no members", cluster.ClusterName)
	}
	return &Client{nodes: cluster.Nodes, hosts: in.hosts}, nil
}

func (c *Client) run(ctx context.Context, build func(node types.ArakoonNode) string) (string, error) {
	var lastErr error
	for _, node := range c.nodes {
		client, err := c.hosts(node.IP)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := client.Run(ctx, build(node))
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !clustererr.IsTransient(err) {
			return "", err
		}
	}
	return "", clustererr.WrapTransient(lastErr, "no reachable arakoon member")
}

// Get reads the value stored under key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.run(ctx, func(node types.ArakoonNode) string {
		return fmt.Sprintf("arakoon_client -h %s -p %d get %s", node.IP, node.ClientPort, shellQuote(key))
	})
}

// Set writes value under key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.run(ctx, func(node types.ArakoonNode) string {
		return fmt.Sprintf("arakoon_client -h %s -p %d set %s %s", node.IP, node.ClientPort, shellQuote(key), shellQuote(value))
	})
	return err
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	out, err := c.run(ctx, func(node types.ArakoonNode) string {
		return fmt.Sprintf("arakoon_client -h %s -p %d exists %s", node.IP, node.ClientPort, shellQuote(key))
	})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
