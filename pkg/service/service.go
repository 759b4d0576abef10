// Package service implements the Service Manager (C2): rendering a named
// systemd unit from a template plus a parameter mapping, writing it to a
// remote host, and driving/querying it from there on.
package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/log"
)

// ConfigWriter is the subset of *registry.Registry RegisterService needs.
// A narrow interface here, rather than the concrete registry type, lets
// installer tests inject an in-memory fake instead of bootstrapping raft.
type ConfigWriter interface {
	Set(key string, value interface{}) error
}

// RemoteClient is the subset of *sshrunner.Runner the Service Manager
// needs. A narrow interface here lets tests substitute a fake without
// pulling in the SSH transport itself.
type RemoteClient interface {
	Run(ctx context.Context, cmd string) (string, error)
	FileWrite(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	FileExists(ctx context.Context, remotePath string) (bool, error)
}

// Manager renders, installs, and drives systemd unit files on remote
// hosts, and records their parameter mappings in the Config Registry.
type Manager struct {
	reg       ConfigWriter
	templates map[string]*template.Template
}

// NewManager creates a Manager pre-loaded with the built-in Arakoon and
// etcd service templates. reg is where RegisterService publishes service
// metadata; it may be nil for callers that only render/drive services
// and never call RegisterService.
func NewManager(reg ConfigWriter) *Manager {
	m := &Manager{reg: reg, templates: make(map[string]*template.Template)}
	for name, src := range defaultTemplates() {
		if err := m.RegisterTemplate(name, src); err != nil {
			// The built-in templates are compiled into the binary; a
			// parse failure here is a programming error, not a runtime
			// condition callers can recover from.
			panic(fmt.Sprintf("service: built-in template %q failed to parse: %v", name, err))
		}
	}
	return m
}

// RegisterTemplate parses body under name, making it available to
// AddService. Registering a name a second time replaces the template.
func (m *Manager) RegisterTemplate(name, body string) error {
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse service template %q: %w", name, err)
	}
	m.templates[name] = tmpl
	return nil
}

func unitPath(targetName string) string {
	return fmt.Sprintf("/etc/systemd/system/%s.service", targetName)
}

// AddService renders templateName with params and writes the result as
// targetName's unit file on client's host, then reloads systemd so the
// new unit is recognized. It does not start the service; callers created
// through C6/C7 leave a freshly added service halted until start_cluster
// runs.
func (m *Manager) AddService(ctx context.Context, templateName string, client RemoteClient, params map[string]interface{}, targetName string) error {
	tmpl, ok := m.templates[templateName]
	if !ok {
		return clustererr.NewNotFound("service template %q is not registered", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return fmt.Errorf("failed to render service template %q for %s: %w", templateName, targetName, err)
	}

	logger := log.WithOperation("add_service")
	logger.Debug().Str("target", targetName).Str("template", templateName).Msg("writing service unit")

	if err := client.FileWrite(ctx, unitPath(targetName), buf.Bytes(), 0644); err != nil {
		return err
	}
	_, err := client.Run(ctx, "systemctl daemon-reload")
	return err
}

// HasService reports whether targetName's unit file exists on client's
// host.
func (m *Manager) HasService(ctx context.Context, client RemoteClient, targetName string) (bool, error) {
	return client.FileExists(ctx, unitPath(targetName))
}

// StartService starts targetName's unit.
func (m *Manager) StartService(ctx context.Context, client RemoteClient, targetName string) error {
	_, err := client.Run(ctx, fmt.Sprintf("systemctl start %s.service", targetName))
	return err
}

// StopService stops targetName's unit.
func (m *Manager) StopService(ctx context.Context, client RemoteClient, targetName string) error {
	_, err := client.Run(ctx, fmt.Sprintf("systemctl stop %s.service", targetName))
	return err
}

// RemoveService stops, disables, and deletes targetName's unit file. It
// is idempotent: a target that was already stopped or already removed is
// not an error, only a transport failure is.
func (m *Manager) RemoveService(ctx context.Context, client RemoteClient, targetName string) error {
	if _, err := client.Run(ctx, fmt.Sprintf("systemctl stop %s.service", targetName)); err != nil && clustererr.IsTransient(err) {
		return err
	}
	if _, err := client.Run(ctx, fmt.Sprintf("systemctl disable %s.service", targetName)); err != nil && clustererr.IsTransient(err) {
		return err
	}
	if _, err := client.Run(ctx, fmt.Sprintf("rm -f %s", unitPath(targetName))); err != nil {
		return err
	}
	_, err := client.Run(ctx, "systemctl daemon-reload")
	return err
}

// GetServiceStatus returns targetName's systemd activation state
// ("active", "inactive", "failed", ...). systemctl is-active exits
// non-zero for every state but "active" while still printing the state
// name, so a non-transient error is not itself a failure here.
func (m *Manager) GetServiceStatus(ctx context.Context, client RemoteClient, targetName string) (string, error) {
	out, err := client.Run(ctx, fmt.Sprintf("systemctl is-active %s.service", targetName))
	if err == nil {
		return out, nil
	}
	if clustererr.IsTransient(err) {
		return "", err
	}
	if out != "" {
		return out, nil
	}
	return "unknown", nil
}

// RegisterService publishes serviceMetadata under
// /ovs/framework/hosts/<nodeName>/services/<targetName> in the Config
// Registry. An EXTRA_VERSION_CMD entry, if present, travels verbatim; it
// is how plugin version checks follow a cluster across its lifetime.
func (m *Manager) RegisterService(nodeName, targetName string, serviceMetadata map[string]interface{}) error {
	key := fmt.Sprintf("/ovs/framework/hosts/%s/services/%s", nodeName, targetName)
	return m.reg.Set(key, serviceMetadata)
}
