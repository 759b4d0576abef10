/*
Package service implements C2, the Service Manager every installer uses
to turn a cluster member into a running systemd unit. A Manager holds a
set of named text/template bodies (built-in Arakoon and etcd templates,
plus whatever callers register); AddService renders one against a
parameter map and writes it to a host over a RemoteClient, the other
operations drive and query it by target name, and RegisterService
publishes the parameter map into the Config Registry so it survives
process restarts.

Template parameters are passed straight through as the template's dot
context; an unrecognized key is simply unused rather than rejected, the
same way an extra field in a struct literal would be ignored by a
template that never references it.
*/
package service
