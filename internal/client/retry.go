package client

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig controls retries when opening a stream.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	RetryDelay time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum backoff delay (cap)
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// backOff builds the exponential schedule with jitter for rc.
func (rc RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if rc.RetryDelay > 0 {
		b.InitialInterval = rc.RetryDelay
	}
	if rc.MaxDelay > 0 {
		b.MaxInterval = rc.MaxDelay
	}
	b.RandomizationFactor = 0.25
	return b
}

// tries is the total number of attempts, the first included.
func (rc RetryConfig) tries() uint {
	if rc.MaxRetries < 0 {
		return 1
	}
	return uint(rc.MaxRetries) + 1
}
