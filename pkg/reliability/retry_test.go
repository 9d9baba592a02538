package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"timeout", errors.New("request timed out"), CategoryTimeout},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"rate limit", errors.New("429 too many requests"), CategoryRateLimit},
		{"invalid", errors.New("invalid_request: bad prompt"), CategoryInvalidRequest},
		{"auth", errors.New("401 unauthorized"), CategoryAuthentication},
		{"network", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"model", errors.New("model overloaded"), CategoryModel},
		{"unknown", errors.New("something odd happened"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategoryRecoverable(t *testing.T) {
	recoverable := []ErrorCategory{CategoryTimeout, CategoryRateLimit, CategoryNetwork, CategoryModel, CategoryUnknown}
	for _, c := range recoverable {
		if !c.Recoverable() {
			t.Errorf("%v.Recoverable() = false, want true", c)
		}
	}
	for _, c := range []ErrorCategory{CategoryInvalidRequest, CategoryAuthentication} {
		if c.Recoverable() {
			t.Errorf("%v.Recoverable() = true, want false", c)
		}
	}
}

func TestExecuteRetriesRecoverableErrors(t *testing.T) {
	r := NewRetryExecutor(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteFailsFastOnNonRecoverable(t *testing.T) {
	r := NewRetryExecutor(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("401 unauthorized")
	})
	if err == nil {
		t.Fatal("Execute() error = nil, want authentication error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestExecuteNeverRetriesBreakerErrors(t *testing.T) {
	r := NewRetryExecutor(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return &CircuitBreakerError{Name: "gpt-4", State: StateOpen}
	})
	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Fatalf("Execute() error = %v, want CircuitBreakerError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	r := NewRetryExecutor(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("model overloaded")
	})
	if err == nil {
		t.Fatal("Execute() error = nil, want exhaustion error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestDelayIsCappedAndExponential(t *testing.T) {
	r := NewRetryExecutor(RetryConfig{
		MaxRetries: 10,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		ExpBase:    2,
	})

	if got := r.Delay(0); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 100ms", got)
	}
	if got := r.Delay(1); got != 200*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 200ms", got)
	}
	if got := r.Delay(8); got != time.Second {
		t.Errorf("Delay(8) = %v, want capped at 1s", got)
	}
}
