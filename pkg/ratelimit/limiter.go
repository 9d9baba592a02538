// Package ratelimit provides local request throttling for the gateway:
// interchangeable token-bucket and sliding-window limiters plus a
// semaphore-backed cap on concurrent in-flight requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// RateLimitError is returned when a limit refuses an acquire.
type RateLimitError struct {
	Limit  string
	Reason string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): %s", e.Limit, e.Reason)
}

// Config holds rate limiter tuning.
type Config struct {
	RequestsPerMinute  int
	BurstSize          int
	TokensPerMinute    int
	ConcurrentRequests int
	WindowSizeSeconds  int
	HourlyLimit        int
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.ConcurrentRequests <= 0 {
		c.ConcurrentRequests = 10
	}
	if c.WindowSizeSeconds <= 0 {
		c.WindowSizeSeconds = 60
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RequestsPerMinute < 0 || c.BurstSize < 0 || c.TokensPerMinute < 0 {
		return fmt.Errorf("rate limit values must be non-negative")
	}
	if c.ConcurrentRequests < 0 {
		return fmt.Errorf("concurrent_requests must be non-negative")
	}
	return nil
}

// Limiter is the shared surface of both limiter variants.
type Limiter interface {
	// Acquire takes one request permit. When raise is true a refusal
	// returns a RateLimitError instead of false.
	Acquire(raise bool) (bool, error)

	// AcquireForRequest takes a request permit plus estimatedTokens
	// token permits where the variant supports token accounting. A
	// failed token acquire rolls the request permit back.
	AcquireForRequest(req *protocol.Request, estimatedTokens int) (bool, error)

	// ConcurrentRequest reserves an in-flight slot, returning a release
	// function. The release function must be called on every exit path.
	ConcurrentRequest(ctx context.Context) (func(), error)
}

// TokenBucketLimiter refills request (and optionally token) buckets at
// a steady per-second rate.
type TokenBucketLimiter struct {
	config Config

	mu             sync.Mutex
	requestTokens  float64
	requestFill    float64
	requestCap     float64
	lastRefill     time.Time
	tokenBudget    float64
	tokenFill      float64
	tokenCap       float64
	lastTokenFill  time.Time
	inflight       *semaphore.Weighted
	inflightWeight int64
}

// NewTokenBucketLimiter creates a token bucket limiter.
func NewTokenBucketLimiter(config Config) (*TokenBucketLimiter, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	capacity := float64(config.RequestsPerMinute)
	if config.BurstSize > 0 {
		capacity = float64(config.BurstSize)
	}

	l := &TokenBucketLimiter{
		config:         config,
		requestTokens:  capacity,
		requestCap:     capacity,
		requestFill:    float64(config.RequestsPerMinute) / 60.0,
		lastRefill:     time.Now(),
		inflight:       semaphore.NewWeighted(int64(config.ConcurrentRequests)),
		inflightWeight: int64(config.ConcurrentRequests),
	}

	if config.TokensPerMinute > 0 {
		l.tokenBudget = float64(config.TokensPerMinute)
		l.tokenCap = float64(config.TokensPerMinute)
		l.tokenFill = float64(config.TokensPerMinute) / 60.0
		l.lastTokenFill = time.Now()
	}

	return l, nil
}

// Acquire takes one request permit.
func (l *TokenBucketLimiter) Acquire(raise bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.requestTokens >= 1 {
		l.requestTokens--
		return true, nil
	}

	if raise {
		return false, &RateLimitError{Limit: "requests", Reason: "request bucket empty"}
	}
	return false, nil
}

// AcquireForRequest takes a request permit plus token permits for the
// estimated token count. A failed token acquire rolls back the request
// permit.
func (l *TokenBucketLimiter) AcquireForRequest(req *protocol.Request, estimatedTokens int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.requestTokens < 1 {
		return false, nil
	}
	l.requestTokens--

	if l.tokenCap > 0 && estimatedTokens > 0 {
		if l.tokenBudget < float64(estimatedTokens) {
			// Roll back the request permit so a refused call costs nothing.
			l.requestTokens++
			return false, nil
		}
		l.tokenBudget -= float64(estimatedTokens)
	}

	return true, nil
}

// ConcurrentRequest reserves an in-flight slot.
func (l *TokenBucketLimiter) ConcurrentRequest(ctx context.Context) (func(), error) {
	if !l.inflight.TryAcquire(1) {
		return nil, &RateLimitError{Limit: "concurrency", Reason: "all concurrent request slots in use"}
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.inflight.Release(1) })
	}, nil
}

// caller must hold l.mu
func (l *TokenBucketLimiter) refill() {
	now := time.Now()

	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.requestTokens += elapsed * l.requestFill
		if l.requestTokens > l.requestCap {
			l.requestTokens = l.requestCap
		}
		l.lastRefill = now
	}

	if l.tokenCap > 0 {
		tokenElapsed := now.Sub(l.lastTokenFill).Seconds()
		if tokenElapsed > 0 {
			l.tokenBudget += tokenElapsed * l.tokenFill
			if l.tokenBudget > l.tokenCap {
				l.tokenBudget = l.tokenCap
			}
			l.lastTokenFill = now
		}
	}
}

// SlidingWindowLimiter tracks request timestamps in a pruned deque.
type SlidingWindowLimiter struct {
	config Config

	mu         sync.Mutex
	timestamps []time.Time
	hourly     []time.Time
	inflight   *semaphore.Weighted
}

// NewSlidingWindowLimiter creates a sliding window limiter.
func NewSlidingWindowLimiter(config Config) (*SlidingWindowLimiter, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindowLimiter{
		config:   config,
		inflight: semaphore.NewWeighted(int64(config.ConcurrentRequests)),
	}, nil
}

// Acquire takes one request permit.
func (l *SlidingWindowLimiter) Acquire(raise bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	if len(l.timestamps) >= l.config.RequestsPerMinute {
		if raise {
			return false, &RateLimitError{Limit: "requests",
				Reason: fmt.Sprintf("%d requests in window", len(l.timestamps))}
		}
		return false, nil
	}
	if l.config.HourlyLimit > 0 && len(l.hourly) >= l.config.HourlyLimit {
		if raise {
			return false, &RateLimitError{Limit: "hourly",
				Reason: fmt.Sprintf("%d requests this hour", len(l.hourly))}
		}
		return false, nil
	}

	l.timestamps = append(l.timestamps, now)
	if l.config.HourlyLimit > 0 {
		l.hourly = append(l.hourly, now)
	}
	return true, nil
}

// AcquireForRequest behaves like Acquire; the sliding window variant
// has no token accounting.
func (l *SlidingWindowLimiter) AcquireForRequest(req *protocol.Request, estimatedTokens int) (bool, error) {
	return l.Acquire(false)
}

// ConcurrentRequest reserves an in-flight slot.
func (l *SlidingWindowLimiter) ConcurrentRequest(ctx context.Context) (func(), error) {
	if !l.inflight.TryAcquire(1) {
		return nil, &RateLimitError{Limit: "concurrency", Reason: "all concurrent request slots in use"}
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.inflight.Release(1) })
	}, nil
}

// caller must hold l.mu
func (l *SlidingWindowLimiter) prune(now time.Time) {
	window := time.Duration(l.config.WindowSizeSeconds) * time.Second
	cut := 0
	for cut < len(l.timestamps) && now.Sub(l.timestamps[cut]) > window {
		cut++
	}
	l.timestamps = l.timestamps[cut:]

	if l.config.HourlyLimit > 0 {
		cut = 0
		for cut < len(l.hourly) && now.Sub(l.hourly[cut]) > time.Hour {
			cut++
		}
		l.hourly = l.hourly[cut:]
	}
}
