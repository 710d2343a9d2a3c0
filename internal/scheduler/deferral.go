package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DeferralModeBackoff = "backoff"
	DeferralModeFixed   = "fixed"
)

// DeferralPolicy decides when a deferred task may be routed again
type DeferralPolicy interface {
	// Next returns the earliest next attempt after the given number of
	// consecutive deferrals, or nil to retry on the next tick
	Next(deferrals int, now time.Time) *time.Time
}

// FixedDeferral retries on every tick
type FixedDeferral struct{}

// Next implements DeferralPolicy.Next
func (FixedDeferral) Next(int, time.Time) *time.Time {
	return nil
}

// BackoffDeferral spaces attempts exponentially
type BackoffDeferral struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Next implements DeferralPolicy.Next
func (p *BackoffDeferral) Next(deferrals int, now time.Time) *time.Time {
	if deferrals <= 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < deferrals; i++ {
		delay = b.NextBackOff()
	}

	next := now.Add(delay)
	return &next
}

// NewDeferralPolicy builds the policy for mode
func NewDeferralPolicy(mode string, initial, maxInterval time.Duration, multiplier float64) (DeferralPolicy, error) {
	switch mode {
	case "", DeferralModeBackoff:
		if initial <= 0 {
			initial = 30 * time.Second
		}
		if maxInterval <= 0 {
			maxInterval = 10 * time.Minute
		}
		if maxInterval < initial {
			maxInterval = initial
		}
		if multiplier < 1 {
			multiplier = 2
		}
		return &BackoffDeferral{InitialInterval: initial, MaxInterval: maxInterval, Multiplier: multiplier}, nil
	case DeferralModeFixed:
		return FixedDeferral{}, nil
	default:
		return nil, fmt.Errorf("unknown deferral mode %q", mode)
	}
}
