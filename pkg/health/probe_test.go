package health

import (
	"context"
	"testing"
	"time"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
)

func TestProbeSucceedsOnFirstTry(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func(ctx context.Context) Result {
		calls++
		return Result{Healthy: true, Message: "ok", CheckedAt: time.Now()}
	})

	result, err := Probe(context.Background(), checker, 5, LinearBackoff(5), "test")
	if err != nil {
		t.Fatalf("Probe() returned error: %v", err)
	}
	if !result.Healthy {
		t.Error("expected healthy result")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestProbeRetriesThenSucceeds(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func(ctx context.Context) Result {
		calls++
		if calls < 3 {
			return Result{Healthy: false, Message: "not ready"}
		}
		return Result{Healthy: true, Message: "ok"}
	})

	result, err := Probe(context.Background(), checker, 5, func(attempt int) time.Duration {
		return time.Millisecond
	}, "test")
	if err != nil {
		t.Fatalf("Probe() returned error: %v", err)
	}
	if !result.Healthy {
		t.Error("expected healthy result")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestProbeExhaustsRetriesAsFatal(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func(ctx context.Context) Result {
		calls++
		return Result{Healthy: false, Message: "down"}
	})

	_, err := Probe(context.Background(), checker, 3, func(attempt int) time.Duration {
		return time.Millisecond
	}, "test")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !clustererr.IsFatal(err) {
		t.Errorf("expected FatalError, got %T: %v", err, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestProbeRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	checker := CheckerFunc(func(ctx context.Context) Result {
		calls++
		if calls == 1 {
			cancel()
		}
		return Result{Healthy: false, Message: "down"}
	})

	_, err := Probe(ctx, checker, 5, func(attempt int) time.Duration {
		return time.Millisecond
	}, "test")
	if err == nil {
		t.Fatal("expected error when context is canceled")
	}
}

func TestLinearBackoffShrinksToZero(t *testing.T) {
	schedule := LinearBackoff(5)

	if got := schedule(1); got != 4*time.Second {
		t.Errorf("attempt 1: got %v, want 4s", got)
	}
	if got := schedule(5); got != 0 {
		t.Errorf("attempt 5: got %v, want 0", got)
	}
	if got := schedule(10); got != 0 {
		t.Errorf("attempt past maxTries: got %v, want 0", got)
	}
}
