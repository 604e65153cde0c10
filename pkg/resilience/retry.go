// Package resilience provides the retry and circuit-breaker primitives
// used by the messaging substrate's reconnect loop and the orchestrator's
// HSP step retry scheduling (spec §4.4, §4.6.4). Retry backoff is
// delegated to github.com/cenkalti/backoff/v5 rather than a hand-rolled
// loop, the teacher's own dependency graph already pulls this library in
// transitively (via the OTel exporters); this package just gives it a
// direct, named home.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures bounded exponential-backoff retry.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig matches the teacher's defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c *RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.BackoffFactor
	return b
}

// Retry executes fn, retrying on error with exponential backoff up to
// MaxAttempts. Used by the messaging substrate's reconnect loop.
func Retry(ctx context.Context, cfg *RetryConfig, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(cfg.backOff()), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	if err != nil {
		return fmt.Errorf("resilience: retry exhausted after %d attempts: %w", cfg.MaxAttempts, err)
	}
	return nil
}

// DelaySequence computes the non-blocking retry delay schedule used by
// the orchestrator's HspStep retry (spec §4.6.4 step 5):
// retry_delay_seconds * 2^(attempt-1), capped at a maximum, where attempt
// 1 is the first retry.
type DelaySequence struct {
	base Duration
	max  Duration
}

// Duration is an alias kept local so DelaySequence has no hidden
// dependency on time directly in its exported surface.
type Duration = time.Duration

// NewDelaySequence builds a capped exponential schedule.
func NewDelaySequence(base, max time.Duration) *DelaySequence {
	return &DelaySequence{base: base, max: max}
}

// Delay returns the delay to wait before the given retry attempt
// (attempt is 1-indexed: the first retry is attempt 1).
func (s *DelaySequence) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.max > 0 && d > s.max {
			return s.max
		}
	}
	if s.max > 0 && d > s.max {
		return s.max
	}
	return d
}
