// Package health provides the bounded-retry probe runner shared by the
// Arakoon and etcd installers.
//
// A Checker performs one health check and reports a Result. TCPChecker
// covers plain connect-and-close reachability (an Arakoon client port, an
// etcd client URL); CheckerFunc adapts an installer's own command-based
// check (an Arakoon status query, `etcdctl cluster-health`) run over a
// remote shell, since those have no local equivalent to shell out to.
//
// Probe drives a Checker through a bounded number of tries with a caller
// supplied Schedule between attempts, returning a FatalError once the
// budget is spent without a healthy result. LinearBackoff reproduces the
// "sleep(5 - tries)" schedule the etcd health gate is specified with.
package health
