package service

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
)

// fakeClient mirrors the sshrunner fake idiom: literal commands map to
// canned output, and every call is recorded for assertions.
type fakeClient struct {
	runReturns map[string]string
	runFails   map[string]bool
	recordings []string
	files      map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		runReturns: make(map[string]string),
		runFails:   make(map[string]bool),
		files:      make(map[string][]byte),
	}
}

func (f *fakeClient) Run(ctx context.Context, cmd string) (string, error) {
	f.recordings = append(f.recordings, cmd)
	if f.runFails[cmd] {
		return f.runReturns[cmd], errTestExit{}
	}
	return f.runReturns[cmd], nil
}

type errTestExit struct{}

func (errTestExit) Error() string { return "exit status 1" }

func (f *fakeClient) FileWrite(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	f.files[remotePath] = data
	return nil
}

func (f *fakeClient) FileExists(ctx context.Context, remotePath string) (bool, error) {
	_, ok := f.files[remotePath]
	return ok, nil
}

func TestAddServiceRendersTemplateAndReloads(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()

	params := map[string]interface{}{
		"NodeName":     "arakoon_1",
		"ClusterName":  "mycluster",
		"EngineUser":   "ovs",
		"EngineGroup":  "ovs",
		"ConfigSource": "file://opt/OpenvStorage/config/framework.json?key=/ovs/arakoon/mycluster/config",
	}

	if err := m.AddService(context.Background(), TemplateArakoon, client, params, "arakoon-mycluster"); err != nil {
		t.Fatalf("AddService() failed: %v", err)
	}

	data, ok := client.files["/etc/systemd/system/arakoon-mycluster.service"]
	if !ok {
		t.Fatal("expected unit file to be written")
	}
	if !strings.Contains(string(data), "--node arakoon_1") {
		t.Errorf("rendered unit missing node name: %s", data)
	}
	if !strings.Contains(string(data), "Description=Arakoon node arakoon_1 of cluster mycluster") {
		t.Errorf("rendered unit missing description: %s", data)
	}

	found := false
	for _, cmd := range client.recordings {
		if cmd == "systemctl daemon-reload" {
			found = true
		}
	}
	if !found {
		t.Error("expected systemctl daemon-reload to run")
	}
}

func TestAddServiceHonorsExtraVersionCmd(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()

	params := map[string]interface{}{
		"NodeName":          "arakoon_1",
		"ClusterName":       "mycluster",
		"EngineUser":        "ovs",
		"EngineGroup":       "ovs",
		"ConfigSource":      "/opt/OpenvStorage/config/arakoon_mycluster.ini",
		"EXTRA_VERSION_CMD": "command1;command2",
	}

	if err := m.AddService(context.Background(), TemplateArakoon, client, params, "arakoon-mycluster"); err != nil {
		t.Fatalf("AddService() failed: %v", err)
	}

	data := client.files["/etc/systemd/system/arakoon-mycluster.service"]
	if !strings.Contains(string(data), `ExecStartPost=/bin/sh -c "command1;command2"`) {
		t.Errorf("rendered unit missing EXTRA_VERSION_CMD: %s", data)
	}
}

func TestAddServiceRejectsUnknownTemplate(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()

	err := m.AddService(context.Background(), "no-such-template", client, nil, "x")
	if !clustererr.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestHasServiceReflectsWrittenUnit(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()

	has, err := m.HasService(context.Background(), client, "arakoon-mycluster")
	if err != nil || has {
		t.Fatalf("expected HasService false before AddService, got %v, %v", has, err)
	}

	params := map[string]interface{}{"NodeName": "arakoon_1", "ClusterName": "mycluster", "EngineUser": "ovs", "EngineGroup": "ovs", "ConfigSource": "x"}
	if err := m.AddService(context.Background(), TemplateArakoon, client, params, "arakoon-mycluster"); err != nil {
		t.Fatalf("AddService() failed: %v", err)
	}

	has, err = m.HasService(context.Background(), client, "arakoon-mycluster")
	if err != nil || !has {
		t.Fatalf("expected HasService true after AddService, got %v, %v", has, err)
	}
}

func TestStartStopService(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()

	if err := m.StartService(context.Background(), client, "arakoon-mycluster"); err != nil {
		t.Fatalf("StartService() failed: %v", err)
	}
	if err := m.StopService(context.Background(), client, "arakoon-mycluster"); err != nil {
		t.Fatalf("StopService() failed: %v", err)
	}

	want := []string{"systemctl start arakoon-mycluster.service", "systemctl stop arakoon-mycluster.service"}
	for i, cmd := range want {
		if client.recordings[i] != cmd {
			t.Errorf("recording %d = %q, want %q", i, client.recordings[i], cmd)
		}
	}
}

func TestGetServiceStatusReadsStdoutEvenOnNonZeroExit(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()
	client.runReturns["systemctl is-active arakoon-mycluster.service"] = "inactive"
	client.runFails["systemctl is-active arakoon-mycluster.service"] = true

	status, err := m.GetServiceStatus(context.Background(), client, "arakoon-mycluster")
	if err != nil {
		t.Fatalf("GetServiceStatus() failed: %v", err)
	}
	if status != "inactive" {
		t.Errorf("got status %q, want inactive", status)
	}
}

func TestRemoveServiceIsIdempotentOnAlreadyStoppedUnit(t *testing.T) {
	m := NewManager(nil)
	client := newFakeClient()
	client.runFails["systemctl stop arakoon-mycluster.service"] = true
	client.runFails["systemctl disable arakoon-mycluster.service"] = true
	client.files["/etc/systemd/system/arakoon-mycluster.service"] = []byte("stub")

	if err := m.RemoveService(context.Background(), client, "arakoon-mycluster"); err != nil {
		t.Fatalf("RemoveService() failed: %v", err)
	}

	found := false
	for _, cmd := range client.recordings {
		if cmd == "rm -f /etc/systemd/system/arakoon-mycluster.service" {
			found = true
		}
	}
	if !found {
		t.Error("expected unit file removal command")
	}
}
