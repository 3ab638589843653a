package backend

import (
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often and how patiently a transient failure is
// retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy allows three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return domain.NewConfigurationError("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return domain.NewConfigurationError("retry backoff must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return domain.NewConfigurationError("retry multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}
