// Package retry applies backoff to work that failed with a retryable
// classified error.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgbuildd/internal/config"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode       config.RetryBackoffMode // fixed|linear|exponential
	Initial    time.Duration           // base delay
	Max        time.Duration           // cap for growth
	MaxRetries int                     // maximum retry attempts after the first failure
}

// DefaultPolicy mirrors config.DefaultRetry.
func DefaultPolicy() Policy {
	return FromConfig(config.DefaultRetry())
}

// FromConfig builds a policy from a validated retry section. An initial
// delay above the cap is clamped.
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{Mode: c.Mode, Initial: c.Initial, Max: c.Max, MaxRetries: c.MaxRetries}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffExponential:
		if retryCount > 30 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// Retryable reports whether err is a classified error whose retry strategy
// permits another attempt. Unclassified errors are not retried.
func Retryable(err error) bool {
	classified, ok := errors.AsClassified(err)
	return ok && classified.CanRetry()
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// retries are used up or ctx is done. It returns fn's last error.
func (p Policy) Do(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	err := fn(ctx)
	for attempt := 1; err != nil && attempt <= p.MaxRetries && Retryable(err); attempt++ {
		select {
		case <-ctx.Done():
			return err
		case <-clock.After(p.Delay(attempt)):
		}
		err = fn(ctx)
	}
	return err
}
