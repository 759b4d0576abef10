// Package ports implements the Port Planner (C4): picking free ports out
// of caller-supplied ranges by inspecting what a remote host is already
// listening on.
package ports

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/metrics"
	"github.com/openvstorage/fleetctl/pkg/types"
)

// RemoteClient is the subset of *sshrunner.Runner the planner needs to
// inspect a host's port usage.
type RemoteClient interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// Planner allocates ports out of candidate ranges, excluding whatever a
// host is already using.
type Planner struct{}

// NewPlanner creates a Planner. It holds no state of its own; every call
// takes the RemoteClient for the host being planned against.
func NewPlanner() *Planner {
	return &Planner{}
}

// GetFreePorts expands ranges into a flat, order-preserving candidate
// list, excludes everything in exclude plus (when client is non-nil)
// whatever TCP/UDP ports the host is listening on and its ephemeral
// range, and returns the first nr candidates that survive. client is nil
// for a purely static allocation with no host to inspect.
func (p *Planner) GetFreePorts(ctx context.Context, client RemoteClient, ranges []types.PortRange, exclude []int, nr int) ([]int, error) {
	excludeSet := make(map[int]bool, len(exclude))
	for _, port := range exclude {
		excludeSet[port] = true
	}

	if client != nil {
		listening, err := listeningPorts(ctx, client)
		if err != nil {
			return nil, err
		}
		for _, port := range listening {
			excludeSet[port] = true
		}

		lo, hi, err := ephemeralRange(ctx, client)
		if err != nil {
			return nil, err
		}
		for port := lo; port <= hi; port++ {
			excludeSet[port] = true
		}
	}

	found := make([]int, 0, nr)
	for _, candidate := range expandRanges(ranges) {
		if excludeSet[candidate] {
			continue
		}
		found = append(found, candidate)
		if len(found) == nr {
			metrics.PortAllocationsTotal.WithLabelValues("ok").Inc()
			return found, nil
		}
	}

	metrics.PortAllocationsTotal.WithLabelValues("exhausted").Inc()
	return nil, clustererr.NewInvalidArgument("Unable to find requested nr of free ports")
}

// expandRanges flattens ranges into candidate ports in order, clamping
// every low bound up to 1025 and treating a zero High as "to 65535"
// (PortRange's single-bound form).
func expandRanges(ranges []types.PortRange) []int {
	var out []int
	for _, r := range ranges {
		low := r.Low
		if low < 1025 {
			low = 1025
		}
		high := r.High
		if high == 0 {
			high = 65535
		}
		for port := low; port <= high; port++ {
			out = append(out, port)
		}
	}
	return out
}

// listeningPorts returns every port currently bound by a listening TCP or
// UDP socket on the host, via ss rather than parsing /proc/net directly
// since ss already resolves the address family differences.
func listeningPorts(ctx context.Context, client RemoteClient) ([]int, error) {
	var ports []int
	for _, cmd := range []string{"ss -ltn", "ss -lun"} {
		out, err := client.Run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		ports = append(ports, parseListeningPorts(out)...)
	}
	return ports, nil
}

// parseListeningPorts extracts the local port from each data row of ss
// -ltn/-lun output. The local address:port is always the fourth
// whitespace-separated field; the header row is skipped by name since ss
// column widths aren't fixed.
func parseListeningPorts(output string) []int {
	var ports []int
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "State" {
			continue
		}
		addr := fields[3]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}

// ephemeralRange reads the kernel's local port range, the band the
// kernel hands out for outbound connections and therefore off-limits for
// a service to bind.
func ephemeralRange(ctx context.Context, client RemoteClient) (int, int, error) {
	out, err := client.Run(ctx, "cat /proc/sys/net/ipv4/ip_local_port_range")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected ip_local_port_range output: %q", out)
	}
	lo, errLo := strconv.Atoi(fields[0])
	hi, errHi := strconv.Atoi(fields[1])
	if errLo != nil || errHi != nil {
		return 0, 0, fmt.Errorf("failed to parse ip_local_port_range: %q", out)
	}
	return lo, hi, nil
}
