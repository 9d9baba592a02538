// Package reliability implements the per-model reliability envelope:
// circuit breakers, retry with error categorization, bounded request
// queues, and ranked fallback across clients.
package reliability

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the three-state reliability gate.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerError is returned when a breaker rejects a call.
type CircuitBreakerError struct {
	Name  string
	State BreakerState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// BreakerConfig holds circuit breaker tuning parameters.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// SetDefaults fills zero fields with production defaults.
func (c *BreakerConfig) SetDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
}

// CircuitBreaker gates calls to a single model endpoint. All state
// transitions are serialized by an internal mutex; reading the state
// performs the OPEN to HALF_OPEN age check.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailureAt time.Time
	halfOpenCalls int
	halfOpenOK    int

	onStateChange func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker for the named model.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	config.SetDefaults()
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// OnStateChange registers a callback invoked after each transition.
// The callback runs outside the breaker's lock, so it may call back
// into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Name returns the breaker's model name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// recovery timeout has elapsed since the last failure.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	notify := cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	return state
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Allow reports whether a call may proceed. In HALF_OPEN it admits up
// to HalfOpenMaxCalls concurrent probes. Rejections return a
// CircuitBreakerError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	notify := cb.maybeHalfOpen()

	var err error
	switch cb.state {
	case StateClosed:
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			err = &CircuitBreakerError{Name: cb.name, State: cb.state}
		} else {
			cb.halfOpenCalls++
		}
	default:
		err = &CircuitBreakerError{Name: cb.name, State: cb.state}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

// RecordSuccess records a successful call. In CLOSED it resets the
// failure count; in HALF_OPEN it closes the circuit once every admitted
// probe has succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify func()
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenCalls > 0 && cb.halfOpenOK >= cb.halfOpenCalls {
			notify = cb.transition(StateClosed)
			cb.failureCount = 0
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// RecordFailure records a failed call. Reaching the failure threshold
// in CLOSED opens the circuit; any failure in HALF_OPEN reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailureAt = time.Now()

	var notify func()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			notify = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.transition(StateOpen)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Reset forces the breaker CLOSED and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// caller must hold cb.mu
func (cb *CircuitBreaker) maybeHalfOpen() func() {
	if cb.state == StateOpen && time.Since(cb.lastFailureAt) > cb.config.RecoveryTimeout {
		return cb.transition(StateHalfOpen)
	}
	return nil
}

// caller must hold cb.mu. The returned notification, if any, must be
// run after the lock is released.
func (cb *CircuitBreaker) transition(to BreakerState) func() {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateHalfOpen, StateOpen:
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(cb.name, from, to) }
	}
	return nil
}

// BreakerRegistry hands out one breaker per model name.
type BreakerRegistry struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry using config for new breakers.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	config.SetDefaults()
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a model, creating it on first use.
func (r *BreakerRegistry) Get(model string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[model]; ok {
		return cb
	}
	cb = NewCircuitBreaker(model, r.config)
	r.breakers[model] = cb
	return cb
}

// All returns every breaker created so far.
func (r *BreakerRegistry) All() map[string]*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}
