package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ErrorCategory classifies a failure for retry decisions.
type ErrorCategory string

const (
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryNetwork        ErrorCategory = "network"
	CategoryModel          ErrorCategory = "model"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Recoverable reports whether a category is eligible for retry.
func (c ErrorCategory) Recoverable() bool {
	switch c {
	case CategoryTimeout, CategoryRateLimit, CategoryNetwork, CategoryModel, CategoryUnknown:
		return true
	}
	return false
}

// categoryRules maps message substrings to categories, checked in order.
var categoryRules = []struct {
	substrings []string
	category   ErrorCategory
}{
	{[]string{"timeout", "timed out", "deadline exceeded"}, CategoryTimeout},
	{[]string{"rate limit", "rate_limit", "too many requests", "429"}, CategoryRateLimit},
	{[]string{"invalid_request", "invalid request", "validation", "400"}, CategoryInvalidRequest},
	{[]string{"authentication", "unauthorized", "forbidden", "401", "403"}, CategoryAuthentication},
	{[]string{"connection refused", "connection reset", "network", "no such host", "EOF"}, CategoryNetwork},
	{[]string{"model", "overloaded", "capacity"}, CategoryModel},
}

// Categorize maps an error to its retry category by substring rules.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		// Breaker rejections are handled by the queue path, never retried.
		return CategoryInvalidRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range categoryRules {
		for _, sub := range rule.substrings {
			if strings.Contains(msg, strings.ToLower(sub)) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// RetryConfig tunes the exponential backoff retry engine.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ExpBase    float64
}

// SetDefaults fills zero fields.
func (c *RetryConfig) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ExpBase <= 0 {
		c.ExpBase = 2
	}
}

// RetryExecutor retries recoverable failures with exponential backoff.
type RetryExecutor struct {
	config RetryConfig
}

// NewRetryExecutor creates a retry executor.
func NewRetryExecutor(config RetryConfig) *RetryExecutor {
	config.SetDefaults()
	return &RetryExecutor{config: config}
}

// Delay returns the backoff delay for attempt n, capped at MaxDelay.
func (r *RetryExecutor) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.BaseDelay) * math.Pow(r.config.ExpBase, float64(attempt)))
	if delay > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return delay
}

// Execute runs fn, retrying recoverable failures up to MaxRetries.
// Non-recoverable errors and breaker rejections fail immediately.
func (r *RetryExecutor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt - 1)
			slog.Debug("retrying after backoff",
				"attempt", attempt,
				"delay", delay,
				"category", Categorize(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var cbErr *CircuitBreakerError
		if errors.As(lastErr, &cbErr) {
			return lastErr
		}
		if !Categorize(lastErr).Recoverable() {
			return lastErr
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", r.config.MaxRetries, lastErr)
}
