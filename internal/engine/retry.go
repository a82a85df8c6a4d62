package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// BackoffMode selects how retry delays grow with the attempt number.
type BackoffMode string

const (
	BackoffExponential BackoffMode = "exponential"
	BackoffLinear      BackoffMode = "linear"
)

// ParseBackoff parses a backoff mode name. Empty means exponential.
func ParseBackoff(s string) (BackoffMode, error) {
	switch BackoffMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffExponential:
		return BackoffExponential, nil
	case BackoffLinear:
		return BackoffLinear, nil
	default:
		return "", fmt.Errorf("unknown backoff mode %q", s)
	}
}

// ComputeBackoff returns the delay before retry number attempt (0-indexed):
// exponential is base*2^attempt, linear is base*(attempt+1). A delay too large
// for time.Duration saturates at maxBackoff.
func ComputeBackoff(mode BackoffMode, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	switch mode {
	case BackoffLinear:
		return scaleBackoff(base, int64(attempt)+1)
	default:
		if attempt >= 63 || base > maxBackoff>>attempt {
			return maxBackoff
		}
		return base << attempt
	}
}

const maxBackoff = time.Duration(math.MaxInt64)

// scaleBackoff is base*n for n >= 1, saturating at maxBackoff.
func scaleBackoff(base time.Duration, n int64) time.Duration {
	if base > maxBackoff/time.Duration(n) {
		return maxBackoff
	}
	return base * time.Duration(n)
}

// stepRetry merges a step's retry override with the run-level config.
func stepRetry(step *schema.Step, cfg RetryConfig) (RetryConfig, error) {
	if step == nil || step.Retry == nil {
		return cfg, nil
	}
	out := cfg
	out.MaxRetries = step.Retry.Max
	if step.Retry.Backoff != "" {
		mode, err := ParseBackoff(step.Retry.Backoff)
		if err != nil {
			return cfg, schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step.ID)
		}
		out.Backoff = mode
	}
	if step.Retry.Delay != "" {
		d, err := time.ParseDuration(step.Retry.Delay)
		if err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "invalid retry delay %q", step.Retry.Delay).WithStep(step.ID)
		}
		out.RetryDelay = d
	}
	return out, nil
}

// WaitForBackoff sleeps for delay or returns early when ctx is done or abort
// is closed. Early return yields a CANCELLED error.
func WaitForBackoff(ctx context.Context, delay time.Duration, abort <-chan struct{}) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-abort:
		return schema.NewError(schema.ErrCodeCancelled, "cancelled during retry wait")
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "cancelled during retry wait").WithCause(ctx.Err())
	}
}
