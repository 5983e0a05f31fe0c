// Package retry holds the backoff arithmetic shared by the REST client,
// the event connection and the baseline loader.
package retry

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
)

// Backoff describes an exponential delay schedule capped at MaxDelay.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is a ratio in [0,1] applied symmetrically around the delay.
	Jitter float64
}

// Delay returns the delay before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := b.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// JitteredDelay applies Jitter to Delay(attempt) using sample in [0,1].
func (b Backoff) JitteredDelay(attempt int, sample float64) time.Duration {
	return Jitter(b.Delay(attempt), b.Jitter, sample)
}

// Jitter spreads base by ±ratio; sample 0 gives the minimum, 1 the maximum.
func Jitter(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = ClampRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func ClampRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := ts.Sub(now)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

// Wait blocks for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
