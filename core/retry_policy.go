package core

import (
	"fmt"
	"strings"
	"time"
)

const DefaultMaxAttempts = 4

var defaultRetryDelays = []time.Duration{
	0,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// RetryPolicy bounds job execution: MaxAttempts total executions, with
// Delays[i] applied before retry i+1. Indexes past the end reuse the last
// delay.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delays:      append([]time.Duration(nil), defaultRetryDelays...),
	}
}

func (p RetryPolicy) Normalize() RetryPolicy {
	out := RetryPolicy{
		MaxAttempts: p.MaxAttempts,
		Delays:      make([]time.Duration, 0, len(p.Delays)),
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	for _, delay := range p.Delays {
		if delay < 0 {
			delay = 0
		}
		out.Delays = append(out.Delays, delay)
	}
	if len(out.Delays) == 0 {
		out.Delays = append(out.Delays, defaultRetryDelays...)
	}
	return out
}

// DelayAfter returns the delay before re-running a job whose attempt-th
// execution just failed.
func (p RetryPolicy) DelayAfter(attempt int) time.Duration {
	policy := p.Normalize()
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(policy.Delays) {
		index = len(policy.Delays) - 1
	}
	return policy.Delays[index]
}

// Exhausted reports whether no retry is left after attempt.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.Normalize().MaxAttempts
}

// ParseDelays parses duration strings such as "0s", "60s" or "15m". Bare
// integers are read as seconds.
func ParseDelays(values []string) ([]time.Duration, error) {
	delays := make([]time.Duration, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		delay, err := parseDurationValue(raw)
		if err != nil {
			return nil, fmt.Errorf("core: invalid retry delay %q: %w", raw, err)
		}
		if delay < 0 {
			return nil, fmt.Errorf("core: retry delay %q must not be negative", raw)
		}
		delays = append(delays, delay)
	}
	return delays, nil
}

func parseDurationValue(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if seconds := intParam(raw); seconds > 0 || raw == "0" {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
