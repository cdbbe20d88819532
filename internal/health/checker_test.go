package health

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

func TestRunChecksAllHealthy(t *testing.T) {
	c := NewChecker(Config{}, nil)
	_ = c.RegisterCheck("store", true, func(ctx context.Context) error { return nil })
	_ = c.RegisterCheck("cache", false, func(ctx context.Context) error { return nil })

	status := c.RunChecks(context.Background())
	if status.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Errorf("ran %d checks, want 2", len(status.Checks))
	}
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker(Config{}, nil)
	_ = c.RegisterCheck("store", true, func(ctx context.Context) error {
		return stderrors.New("connection refused")
	})
	_ = c.RegisterCheck("cache", false, func(ctx context.Context) error { return nil })

	status := c.RunChecks(context.Background())
	if status.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", status.Status)
	}
	if status.Checks["store"].Message != "connection refused" {
		t.Errorf("message = %q", status.Checks["store"].Message)
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker(Config{}, nil)
	_ = c.RegisterCheck("store", true, func(ctx context.Context) error { return nil })
	_ = c.RegisterCheck("cache", false, func(ctx context.Context) error {
		return stderrors.New("disk tier unavailable")
	})

	status := c.RunChecks(context.Background())
	if status.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", status.Status)
	}
}

func TestNoChecksIsUnknown(t *testing.T) {
	c := NewChecker(Config{}, nil)
	if status := c.RunChecks(context.Background()); status.Status != StatusUnknown {
		t.Fatalf("status = %s, want unknown", status.Status)
	}
}

func TestDuplicateCheckRejected(t *testing.T) {
	c := NewChecker(Config{}, nil)
	_ = c.RegisterCheck("store", true, func(ctx context.Context) error { return nil })
	if err := c.RegisterCheck("store", true, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected an error for a duplicate check name")
	}
}

func TestCheckTimeoutEnforced(t *testing.T) {
	c := NewChecker(Config{Timeout: 20 * time.Millisecond}, nil)
	_ = c.RegisterCheck("slow", true, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	start := time.Now()
	status := c.RunChecks(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("checks took %v, timeout not enforced", elapsed)
	}
	if status.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy on timeout", status.Status)
	}
}

func TestStatusReturnsLatest(t *testing.T) {
	c := NewChecker(Config{}, nil)
	if got := c.Status(); got.Status != StatusUnknown {
		t.Fatalf("initial status = %s, want unknown", got.Status)
	}

	_ = c.RegisterCheck("store", true, func(ctx context.Context) error { return nil })
	c.RunChecks(context.Background())

	if got := c.Status(); got.Status != StatusHealthy {
		t.Fatalf("cached status = %s, want healthy", got.Status)
	}
}

func TestPeriodicLoop(t *testing.T) {
	c := NewChecker(Config{Enabled: true, Interval: 10 * time.Millisecond}, nil)
	_ = c.RegisterCheck("store", true, func(ctx context.Context) error { return nil })

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Status().Status == StatusHealthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic loop never refreshed the status")
}
