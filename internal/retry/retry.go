package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/weaveline/weft/pkg/schema"
)

// IsRetryable classifies whether an error should be retried under the given
// policy. Policy inclusion lists win over built-in heuristics: a match in
// NonRetryable forbids retry, a match in Retryable forces it.
func IsRetryable(err error, policy *schema.RetryPolicy) bool {
	if err == nil {
		return false
	}

	// Context cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if policy != nil {
		for _, p := range policy.NonRetryable {
			if p != "" && strings.Contains(msg, strings.ToLower(p)) {
				return false
			}
		}
		for _, p := range policy.Retryable {
			if p != "" && strings.Contains(msg, strings.ToLower(p)) {
				return true
			}
		}
	}

	// WeftError checks its own code.
	var wErr *schema.WeftError
	if errors.As(err, &wErr) {
		return wErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The policy's attempt limit bounds the damage.
	return true
}

// Backoff calculates the delay before attempt k (0-based, so callers
// scheduling a retry pass the index of the upcoming attempt). Attempt k waits
// initialDelay * multiplier^k for the exponential strategies, capped at
// MaxDelay when set.
func Backoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.InitialDelay)
	if err != nil || base <= 0 {
		return 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	var delay time.Duration
	switch policy.Strategy {
	case schema.BackoffFixed:
		delay = base
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	case schema.BackoffExponentialJitter:
		delay = scaleDelay(base, multiplier, attempt)
		// Full jitter: uniform in [delay/2, delay].
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	default: // exponential
		delay = scaleDelay(base, multiplier, attempt)
	}

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

func scaleDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	// Guard against overflow for absurd attempt counts.
	if d > float64(time.Hour*24) {
		return time.Hour * 24
	}
	return time.Duration(d)
}

// Wait sleeps for the computed delay or returns early if the
// context is cancelled during the wait.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
