package health

import (
	"context"
	"errors"
	"time"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/metrics"
)

// CheckerFunc adapts a plain function into a Checker. Every cluster health
// gate in this system (Arakoon's "is healthy" query, etcd's
// `etcdctl cluster-health`) runs a command over a remote shell rather than
// a local exec.Cmd, so the check body lives with the installer that knows
// how to run it; CheckerFunc is just the adapter that lets Probe drive it.
type CheckerFunc func(ctx context.Context) Result

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Type implements Checker.
func (f CheckerFunc) Type() CheckType { return CheckTypeFunc }

// Schedule returns the sleep duration to wait before retry attempt n
// (1-based) of a bounded probe.
type Schedule func(attempt int) time.Duration

// LinearBackoff mirrors the reference etcd health gate's `sleep(5 - tries)`
// schedule: the wait shrinks by one second per attempt already spent,
// floored at zero so the final attempt never sleeps needlessly long.
func LinearBackoff(maxTries int) Schedule {
	return func(attempt int) time.Duration {
		remaining := maxTries - attempt
		if remaining < 0 {
			remaining = 0
		}
		return time.Duration(remaining) * time.Second
	}
}

// ErrProbeExhausted is wrapped by Probe's returned error once maxTries are
// spent without a healthy result.
var ErrProbeExhausted = errors.New("health probe exhausted all retries")

// Probe runs checker up to maxTries times, sleeping per schedule between
// attempts, and returns as soon as a check reports healthy. If every
// attempt fails, it returns the last Result alongside a FatalError
// wrapping ErrProbeExhausted, matching the "raise after exhausting
// retries" behavior start_cluster/extend_cluster rely on. engine labels
// the fleetctl_health_probe_* metrics ("arakoon", "etcd", "tcp", ...).
func Probe(ctx context.Context, checker Checker, maxTries int, schedule Schedule, engine string) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HealthProbeDuration, engine)

	var last Result

	for attempt := 1; attempt <= maxTries; attempt++ {
		last = checker.Check(ctx)
		if last.Healthy {
			return last, nil
		}

		if attempt == maxTries {
			break
		}
		metrics.HealthProbeRetriesTotal.WithLabelValues(engine).Inc()

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(schedule(attempt)):
		}
	}

	return last, clustererr.WrapFatal(ErrProbeExhausted, "health probe unhealthy after %d tries: %s", maxTries, last.Message)
}
