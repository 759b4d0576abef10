/*
Package ports implements C4, the port planner every cluster create/
extend operation consults before laying out a new member. GetFreePorts
expands a caller's candidate ranges in order, excludes a static set plus
(when a RemoteClient is given) whatever the target host is already
listening on and its ephemeral range, and returns the first nr survivors
in range order.

This is the remote-inspection sibling of what the teacher's pkg/network
did locally with iptables: both exist to reconcile "ports a caller wants"
against "ports a host is actually using", just read-only and over SSH
here instead of mutating local NAT rules.
*/
package ports
