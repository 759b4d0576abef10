/*
Package log provides structured logging for fleetctl using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helper
functions for common logging patterns. WithCluster, WithHost and
WithOperation return child loggers that add a cluster_name, host or
operation field, so entries for one cluster, host or operation can be
filtered out of the combined log stream.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithCluster("internal_fwk")
	logger.Info().Str("host", "10.0.0.1").Msg("extending cluster")

# Output

JSON output is used in production; console (human-readable) output with
a timestamp prefix is used for local runs. Both always carry a
timestamp field, set once at Init.
*/
package log
