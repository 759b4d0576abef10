/*
Package sshrunner implements C1, the remote shell every other installer
component is built on. A Runner owns one lazily-established connection to
a single host and exposes command execution plus file/directory
primitives; it never dials until the first call. If the connection drops
mid-operation, that call returns a transient error and the next call
dials a fresh connection.

# Usage

	runner := sshrunner.New(sshrunner.Config{
		Host:    "10.0.0.11",
		User:    "ovs",
		KeyPath: "/etc/fleetctl/id_rsa",
	}, sshrunner.NewSSHDialer(nil))
	defer runner.Close()

	out, err := runner.Run(ctx, "etcdctl member list")

# Testing

Production code never talks to a real host in tests. Instead, a fake
Dialer returns a Conn that matches literal command strings to canned
stdout, the same idiom the reference installer's test suite uses
(SSHClient._run_returns keyed by exact command, SSHClient._run_recordings
to assert a given command was actually issued).
*/
package sshrunner
