package subscription

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker(2, time.Minute, func(s CircuitBreakerState) {
		transitions = append(transitions, s)
	})
	cb.now = func() time.Time { return now }

	fail := func() error { return errors.New("boom") }
	ok := func() error { return nil }

	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state after one failure = %s, want closed", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state after threshold = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker must reject without calling, err=%v called=%v", err, called)
	}

	now = now.Add(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after reset timeout = %s, want half_open", cb.State())
	}

	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful probe = %s, want closed", cb.State())
	}

	want := []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("boom") })
	now = now.Add(time.Second)

	_ = cb.Execute(func() error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen, state = %s", cb.State())
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0, nil)
	if cb.failureThreshold != 5 || cb.resetTimeout != 30*time.Second {
		t.Errorf("unexpected defaults threshold=%d timeout=%v", cb.failureThreshold, cb.resetTimeout)
	}
}
