package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datapath/datapath/pkg/errors"
)

var errStore = stderrors.New("store down")

func failing(ctx context.Context) error { return errStore }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()
	return New("store", cfg, nil)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !stderrors.Is(err, errStore) {
			t.Fatalf("call %d: expected the operation error, got %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}

	// Fourth call fails fast without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("operation invoked while breaker open")
	}
	if !errors.IsCode(err, errors.ErrCodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if errors.AsDataPathError(err).LastFailure.IsZero() {
		t.Error("CIRCUIT_OPEN error missing last failure time")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreakerHalfOpenCloseAfterSuccesses(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after reset timeout", got)
	}

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("trial call 1: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after one success", got)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("trial call 2: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED after success threshold", got)
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 3,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(15 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", got)
	}

	_ = b.Execute(ctx, failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN after trial failure", got)
	}
}

func TestBreakerHalfOpenCapsConcurrentTrials(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(15 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", got)
	}

	// Five callers race into the trial; only SuccessThreshold of them may
	// reach the operation while the first admissions are still in flight.
	gate := make(chan struct{})
	var invoked, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(ctx context.Context) error {
				atomic.AddInt32(&invoked, 1)
				<-gate
				return nil
			})
			if errors.IsCode(err, errors.ErrCodeCircuitOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&rejected) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("rejected = %d, want 3 fast-fails while trial in flight", atomic.LoadInt32(&rejected))
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt32(&invoked); got != 2 {
		t.Errorf("operations invoked = %d, want exactly the success threshold", got)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want CLOSED after the trial succeeds", got)
	}
}

func TestBreakerWindowClearsStaleFailures(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
		Window:           20 * time.Millisecond,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)
	// Window rolled over; the earlier failure no longer counts.
	_ = b.Execute(ctx, failing)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED when failures span windows", got)
	}
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 1})
	_ = b.Execute(context.Background(), failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED after reset", got)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	b := New("store", cfg, nil)
	_ = b.Execute(context.Background(), failing)

	if len(transitions) != 1 || transitions[0] != "CLOSED>OPEN" {
		t.Errorf("transitions = %v, want [CLOSED>OPEN]", transitions)
	}
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1}, nil)
	a := m.Get("primary")
	b := m.Get("primary")
	c := m.Get("replica")
	if a != b {
		t.Error("expected the same breaker instance for one name")
	}
	if a == c {
		t.Error("expected distinct breakers per name")
	}

	stats := m.Stats()
	if len(stats) != 2 {
		t.Errorf("stats for %d breakers, want 2", len(stats))
	}
	if stats["primary"].State != "CLOSED" {
		t.Errorf("primary state = %s, want CLOSED", stats["primary"].State)
	}
}

func TestBreakerStatsCountsRejected(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, succeeding) // rejected
	_ = b.Execute(ctx, succeeding) // rejected

	stats := b.Stats()
	if stats.Rejected != 2 {
		t.Errorf("rejected = %d, want 2", stats.Rejected)
	}
	if stats.State != "OPEN" {
		t.Errorf("state = %s, want OPEN", stats.State)
	}
}
