package rews

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tabcounter/tabcounter.go/pkg/constants"
)

// Retryer defines the interface for implementing retry strategies
type Retryer interface {
	// NextDelay returns the delay before the next retry attempt.
	// attempt is the number of consecutive failed attempts so far,
	// so NextDelay(0, nil) is the delay before the very first attempt.
	// Returns the delay duration and whether to continue retrying.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset resets the retry strategy state (called on successful connection)
	Reset()
}

// Backoff policy names accepted by ParseRetryer.
const (
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// ParseRetryer returns a factory for the named backoff policy.
// The empty name selects the linear policy.
func ParseRetryer(name string) (func() Retryer, error) {
	switch name {
	case "", BackoffLinear:
		return func() Retryer { return NewLinearBackoffRetryer() }, nil
	case BackoffFixed:
		return func() Retryer { return NewFixedDelayRetryer(constants.DefaultWait, 0) }, nil
	case BackoffExponential:
		return func() Retryer { return NewExponentialBackoffRetryer() }, nil
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownBackoff, name)
	}
}

// LinearBackoffRetryer grows the delay by a fixed step after every failure,
// up to a cap.
type LinearBackoffRetryer struct {
	InitialDelay time.Duration
	Step         time.Duration
	MaxDelay     time.Duration

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

// NewLinearBackoffRetryer waits 1s, then 2s, 3s and so on, never more than 30s.
func NewLinearBackoffRetryer() *LinearBackoffRetryer {
	return &LinearBackoffRetryer{
		InitialDelay: constants.DefaultWait,
		Step:         constants.WaitStep,
		MaxDelay:     constants.MaxWait,
	}
}

// NextDelay implements Retryer
func (r *LinearBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	// Comparing attempts first keeps the multiplication from overflowing.
	if r.Step > 0 && attempt >= int((r.MaxDelay-r.InitialDelay)/r.Step) {
		return r.MaxDelay, true
	}

	delay := r.InitialDelay + time.Duration(attempt)*r.Step
	if delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay, true
}

// Reset implements Retryer
func (r *LinearBackoffRetryer) Reset() {}

// ExponentialBackoffRetryer implements exponential backoff with jitter
type ExponentialBackoffRetryer struct {
	// InitialDelay is the initial retry delay
	InitialDelay time.Duration

	// MaxDelay is the maximum retry delay
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier
	Multiplier float64

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int

	// Jitter adds randomness to the delay
	Jitter bool

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoffRetryer creates a new exponential backoff retryer with defaults
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: constants.DefaultWait,
		MaxDelay:     constants.MaxWait,
		Multiplier:   2.0,
		MaxRetries:   0, // infinite retries by default
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter && r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := delay * r.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer
func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer implements a simple fixed delay retry retryer
type FixedDelayRetryer struct {
	// Delay is the fixed delay between retries
	Delay time.Duration

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

// NewFixedDelayRetryer creates a new fixed delay retryer
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

// NextDelay implements Retryer
func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer
func (r *FixedDelayRetryer) Reset() {}
