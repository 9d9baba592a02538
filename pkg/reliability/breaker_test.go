package reliability

import (
	"errors"
	"testing"
	"time"
)

func testBreaker() *CircuitBreaker {
	return NewCircuitBreaker("test-model", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  100 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := testBreaker()

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v after 2 failures, want CLOSED", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v after 3 failures, want OPEN", cb.State())
	}

	err := cb.Allow()
	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Errorf("Allow() error = %v, want CircuitBreakerError", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.FailureCount() != 0 {
		t.Errorf("FailureCount() = %d after success, want 0", cb.FailureCount())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := testBreaker()

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want OPEN", cb.State())
	}

	time.Sleep(150 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v after recovery timeout, want HALF_OPEN", cb.State())
	}

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() in HALF_OPEN error = %v", err)
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("State() = %v after half-open success, want CLOSED", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("FailureCount() = %d, want 0", cb.FailureCount())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(150 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("State() = %v after half-open failure, want OPEN", cb.State())
	}
}

func TestBreakerHalfOpenCapsConcurrentCalls(t *testing.T) {
	cb := testBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(150 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first Allow() error = %v", err)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("second Allow() error = %v", err)
	}
	if err := cb.Allow(); err == nil {
		t.Error("third Allow() error = nil, want rejection beyond half_open_max_calls")
	}
}

func TestBreakerManualReset(t *testing.T) {
	cb := testBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("State() = %v after Reset(), want CLOSED", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() after Reset() error = %v", err)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	cb := testBreaker()
	var transitions []string
	cb.OnStateChange(func(name string, from, to BreakerState) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if len(transitions) != 1 || transitions[0] != "CLOSED>OPEN" {
		t.Errorf("transitions = %v, want [CLOSED>OPEN]", transitions)
	}
}

func TestBreakerCallbackMayReenter(t *testing.T) {
	cb := testBreaker()
	var observed []BreakerState
	cb.OnStateChange(func(name string, from, to BreakerState) {
		// Reading the breaker from the callback must not deadlock.
		observed = append(observed, cb.State())
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()

	if len(observed) != 2 {
		t.Fatalf("observed = %v, want one reading per transition", observed)
	}
	if observed[0] != StateOpen || observed[1] != StateClosed {
		t.Errorf("observed = %v, want [OPEN CLOSED]", observed)
	}
}

func TestBreakerRegistryReturnsSameInstance(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{})
	a := reg.Get("gpt-4")
	b := reg.Get("gpt-4")
	if a != b {
		t.Error("Get() returned different breakers for the same model")
	}
	if len(reg.All()) != 1 {
		t.Errorf("All() len = %d, want 1", len(reg.All()))
	}
}
