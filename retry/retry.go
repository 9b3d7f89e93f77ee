// Package retry re-runs session operations that failed with a transient error.
//
// Delays follow an exponential schedule (base, multiplier, cap, jitter) computed
// by cenkalti/backoff. Structural failures are returned on the first attempt;
// exhausting the retry bound yields an *ExhaustedError that names the last cause.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
)

// Policy configures retries. The zero value never retries.
type Policy struct {
	// MaxRetries bounds the number of retries; total attempts are MaxRetries+1
	MaxRetries int           `yaml:"max_retries" default:"3"`
	BaseDelay  time.Duration `yaml:"base_delay" default:"100ms"`
	Multiplier float64       `yaml:"multiplier" default:"2"`
	MaxDelay   time.Duration `yaml:"max_delay" default:"2s"`
	// Jitter is the randomization factor applied to each delay, in [0, 1)
	Jitter float64 `yaml:"jitter" default:"0.2"`

	// Classify reports whether an error is worth retrying; defaults to device.IsTransient
	Classify func(error) bool `yaml:"-"`
	Logger   *logrus.Logger   `yaml:"-"`
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   2 * time.Second,
		Jitter:     0.2,
	}
}

// ExhaustedError is returned when every allowed attempt failed with a transient error
type ExhaustedError struct {
	Op      string
	Retries int
	Last    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d retries: %v", e.Op, e.Retries, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Validate rejects nonsensical settings
func (p *Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("retry: max retries must be >= 0, got %d", p.MaxRetries)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("retry: delays must be >= 0")
	case p.Multiplier != 0 && p.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry: jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// newBackOff builds the delay schedule. MaxElapsedTime is disabled: the retry bound alone ends the loop.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the nominal schedule (without jitter) for the configured retry bound
func (p *Policy) Delays() []time.Duration {
	if p == nil || p.MaxRetries <= 0 {
		return nil
	}
	nominal := *p
	nominal.Jitter = 0
	b := nominal.newBackOff()

	delays := make([]time.Duration, p.MaxRetries)
	for i := range delays {
		delays[i] = b.NextBackOff()
	}
	return delays
}

func (p *Policy) retryable(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return device.IsTransient(err)
}

// logger never writes to p: one policy is shared by every session of a manager
func (p *Policy) logger() *logrus.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}

// Do runs fn until it succeeds, fails with a non-retryable error, the retry bound
// is exhausted or ctx ends. It reports how many retries were performed.
// A nil policy runs fn exactly once.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	err := fn(ctx)
	if err == nil || p == nil || p.MaxRetries <= 0 {
		return 0, err
	}
	if !p.retryable(err) {
		return 0, err
	}

	b := p.newBackOff()
	retries := 0
	for {
		if retries >= p.MaxRetries {
			p.logger().WithFields(logrus.Fields{
				"op":      op,
				"retries": retries,
				"error":   err,
			}).Warn("Retries exhausted")
			return retries, &ExhaustedError{Op: op, Retries: retries, Last: err}
		}

		delay := b.NextBackOff()
		p.logger().WithFields(logrus.Fields{
			"op":      op,
			"attempt": retries + 1,
			"delay":   delay,
			"error":   err,
		}).Debug("Retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return retries, fmt.Errorf("%s: %w after %d retries (last error: %v)", op, ctx.Err(), retries, err)
		}

		retries++
		err = fn(ctx)
		if err == nil {
			return retries, nil
		}
		if !p.retryable(err) {
			return retries, err
		}
	}
}

// Value is Do for operations that produce a result
func Value[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	retries, err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, retries, err
	}
	return result, retries, nil
}
