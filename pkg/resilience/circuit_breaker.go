package resilience

import (
	"sync"
	"time"
)

// CircuitState mirrors the teacher's three-state circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures failure-count based tripping, a
// deliberately simpler variant of the teacher's sliding-window breaker:
// the messaging substrate, its one user, only needs a trip/cool-down/probe
// cycle, not a bucketed error-rate window.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenProbes   int
}

// CircuitBreaker is a small, concurrency-safe failure-count breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	halfOpenOK  int
	halfOpenBad int
}

// NewCircuitBreaker constructs a breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CanExecute reports whether a call should be attempted, transitioning
// Open -> HalfOpen once the recovery timeout elapses.
func (c *CircuitBreaker) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.openedAt) >= c.cfg.RecoveryTimeout {
			c.state = StateHalfOpen
			c.halfOpenOK = 0
			c.halfOpenBad = 0
			return true
		}
		return false
	case StateHalfOpen:
		return c.halfOpenOK+c.halfOpenBad < c.cfg.HalfOpenProbes
	}
	return false
}

// RecordSuccess clears the failure count (Closed) or counts a successful
// probe (HalfOpen), closing the circuit once all probes succeed.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.halfOpenOK++
		if c.halfOpenOK >= c.cfg.HalfOpenProbes {
			c.state = StateClosed
			c.failures = 0
		}
	}
}

// RecordFailure counts a failure, tripping the breaker open once the
// threshold is reached, or re-opening immediately on a failed probe.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= c.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = time.Now()
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = time.Now()
	}
}

// State returns the current circuit state, for the admin surface.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
