/*
Package events provides an in-memory event broker for cluster lifecycle
notifications.

The events package implements a lightweight pub/sub bus for broadcasting
cluster lifecycle events (create/start/extend/shrink/claim/delete) to
interested subscribers — typically a monitoring sidecar or the claim
coordinator's own audit trail. All events broadcast to every subscriber;
there is no topic filtering. Publish is non-blocking: a subscriber with a
full buffer misses events rather than stalling the publisher.
*/
package events
