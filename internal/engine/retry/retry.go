// Package retry implements the Retry Manager (spec §4.7): exponential
// backoff with jitter over transform invocations, and the trust-boundary
// policy coercion that keeps a misconfigured retry policy from crashing a
// run instead of just retrying less aggressively than intended.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// RuntimeRetryConfig is the validated, in-force retry configuration for one
// node's invocations.
type RuntimeRetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          float64
	ExponentialBase float64
}

const (
	minBaseDelay = 10 * time.Millisecond
	minMaxDelay  = 100 * time.Millisecond
)

// New validates a direct construction request. Unlike FromPolicy, this
// constructor is NOT a trust boundary — invalid values are a programming
// error and are rejected outright.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, jitter, exponentialBase float64) (*RuntimeRetryConfig, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("retry: max_attempts must be >= 1, got %d", maxAttempts)
	}
	if baseDelay < minBaseDelay {
		return nil, fmt.Errorf("retry: base_delay must be >= %s, got %s", minBaseDelay, baseDelay)
	}
	if maxDelay < minMaxDelay {
		return nil, fmt.Errorf("retry: max_delay must be >= %s, got %s", minMaxDelay, maxDelay)
	}
	if jitter < 0 {
		return nil, fmt.Errorf("retry: jitter must be >= 0, got %f", jitter)
	}
	if exponentialBase <= 1 {
		return nil, fmt.Errorf("retry: exponential_base must be > 1, got %f", exponentialBase)
	}
	return &RuntimeRetryConfig{
		MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay,
		Jitter: jitter, ExponentialBase: exponentialBase,
	}, nil
}

// NoRetry returns the configuration used when no policy was declared: a
// single attempt, no backoff.
func NoRetry() *RuntimeRetryConfig {
	return &RuntimeRetryConfig{MaxAttempts: 1, BaseDelay: minBaseDelay, MaxDelay: minMaxDelay, ExponentialBase: 2}
}

// Policy is the raw, possibly operator-authored retry settings read from
// pipeline configuration — untrusted input from the node's perspective.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          float64
	ExponentialBase float64
}

// FromPolicy is the Tier-3 trust boundary (spec §7): a nil policy yields
// NoRetry; an out-of-range field is coerced to the nearest valid value and
// logged, rather than rejected, so one bad config field degrades the
// node's resilience instead of crashing the whole run — matching the
// teacher's EnvOrSecret boundary-coercion idiom
// (infrastructure/config/loader.go).
func FromPolicy(policy *Policy, log *logrus.Entry) *RuntimeRetryConfig {
	if policy == nil {
		return NoRetry()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cfg := *policy
	coerced := false

	if cfg.MaxAttempts < 1 {
		log.WithFields(logrus.Fields{"field": "max_attempts", "value": cfg.MaxAttempts, "coerced_to": 1}).
			Warn("retry: coercing out-of-range policy field at trust boundary")
		cfg.MaxAttempts = 1
		coerced = true
	}
	if cfg.BaseDelay < minBaseDelay {
		log.WithFields(logrus.Fields{"field": "base_delay", "value": cfg.BaseDelay, "coerced_to": minBaseDelay}).
			Warn("retry: coercing out-of-range policy field at trust boundary")
		cfg.BaseDelay = minBaseDelay
		coerced = true
	}
	if cfg.MaxDelay < minMaxDelay {
		log.WithFields(logrus.Fields{"field": "max_delay", "value": cfg.MaxDelay, "coerced_to": minMaxDelay}).
			Warn("retry: coercing out-of-range policy field at trust boundary")
		cfg.MaxDelay = minMaxDelay
		coerced = true
	}
	if cfg.Jitter < 0 {
		log.WithFields(logrus.Fields{"field": "jitter", "value": cfg.Jitter, "coerced_to": 0}).
			Warn("retry: coercing out-of-range policy field at trust boundary")
		cfg.Jitter = 0
		coerced = true
	}
	if cfg.ExponentialBase <= 1 {
		log.WithFields(logrus.Fields{"field": "exponential_base", "value": cfg.ExponentialBase, "coerced_to": 2.0}).
			Warn("retry: coercing out-of-range policy field at trust boundary")
		cfg.ExponentialBase = 2
		coerced = true
	}
	if coerced {
		log.Info("retry: policy coerced at trust boundary, see preceding warnings for fields")
	}

	return &RuntimeRetryConfig{
		MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay,
		Jitter: cfg.Jitter, ExponentialBase: cfg.ExponentialBase,
	}
}

// Attempt is the outcome of one invocation passed to Do's callback.
type Attempt struct {
	Result    any
	Retryable bool
	Err       error
}

// Do invokes fn up to MaxAttempts times, sleeping with exponential backoff
// and jitter between attempts (mirroring the teacher's
// infrastructure/resilience.Retry loop). A non-retryable error returns
// immediately without consuming further attempts. Exhausting all attempts
// returns an *elspethErr.CoreError with CodeMaxRetries wrapping the final
// error.
func (c *RuntimeRetryConfig) Do(ctx context.Context, fn func(ctx context.Context, attempt int) Attempt) (any, error) {
	delay := c.BaseDelay
	var last Attempt

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		last = fn(ctx, attempt)
		if last.Err == nil {
			return last.Result, nil
		}
		if !last.Retryable {
			return nil, last.Err
		}

		if attempt < c.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(addJitter(delay, c.Jitter)):
			}
			delay = nextDelay(delay, c)
		}
	}
	return nil, elspethErr.MaxRetriesExceededError(c.MaxAttempts, last.Err)
}

func nextDelay(current time.Duration, c *RuntimeRetryConfig) time.Duration {
	next := time.Duration(float64(current) * c.ExponentialBase)
	if next > c.MaxDelay {
		return c.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
