// Package config loads the fleet inventory: the list of hosts this
// process may reach over SSH, and the installer-wide settings (default
// port ranges, base directories, engine user). The Arakoon and etcd
// installers consult the engine user/group, and the Arakoon installer the
// default port range, when no caller-supplied override exists.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openvstorage/fleetctl/pkg/types"
)

// Settings holds process-wide installer defaults.
type Settings struct {
	// EngineUser owns every arakoon/etcd directory created on a member.
	EngineUser string `yaml:"engine_user"`
	// EngineGroup owns every arakoon/etcd directory created on a member.
	EngineGroup string `yaml:"engine_group"`
	// DefaultPortRange is used by create_cluster/extend_cluster when the
	// caller does not supply an explicit port_range.
	DefaultPortRange []types.PortRange `yaml:"-"`
	// RawPortRange is the YAML-friendly [[lo,hi],...] form DefaultPortRange
	// is parsed from; Load converts it after unmarshalling.
	RawPortRange [][2]int `yaml:"default_port_range"`
	// BaseDir is loaded from the inventory file but no installer reads it;
	// the Arakoon installer takes its base directory from each call's
	// baseDir argument.
	BaseDir string `yaml:"base_dir"`
	// CFGConfigDir is loaded from the inventory file but no installer reads
	// it; CFG-type Arakoon clusters always write their flat config file to
	// the path arakoon.CFGConfigPath returns, under /opt/OpenvStorage/config.
	CFGConfigDir string `yaml:"cfg_config_dir"`
}

// FleetConfig is the top-level shape of the YAML inventory file.
type FleetConfig struct {
	Hosts    []types.HostInventory `yaml:"hosts"`
	Settings Settings              `yaml:"settings"`
}

// Load reads and parses a fleet inventory file.
func Load(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet config %s: %w", path, err)
	}

	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse fleet config %s: %w", path, err)
	}

	for _, bounds := range cfg.Settings.RawPortRange {
		cfg.Settings.DefaultPortRange = append(cfg.Settings.DefaultPortRange, types.PortRange{Low: bounds[0], High: bounds[1]})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *FleetConfig) validate() error {
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("fleet config: host entry missing name")
		}
		if h.IP == "" {
			return fmt.Errorf("fleet config: host %q missing ip", h.Name)
		}
		if seen[h.Name] {
			return fmt.Errorf("fleet config: duplicate host name %q", h.Name)
		}
		seen[h.Name] = true
	}
	return nil
}

// HostByName returns the inventory entry with the given name.
func (c *FleetConfig) HostByName(name string) (types.HostInventory, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return types.HostInventory{}, false
}

// HostByIP returns the inventory entry reachable at the given IP.
func (c *FleetConfig) HostByIP(ip string) (types.HostInventory, bool) {
	for _, h := range c.Hosts {
		if h.IP == ip {
			return h, true
		}
	}
	return types.HostInventory{}, false
}
