package config

import (
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/normalization"
)

// RetryBackoffMode selects how the delay grows between attempts.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryModeNormalizer = normalization.NewEnumNormalizer("retry mode", map[string]RetryBackoffMode{
	"fixed":       RetryBackoffFixed,
	"linear":      RetryBackoffLinear,
	"exponential": RetryBackoffExponential,
}, RetryBackoffLinear)

// RetryConfig is the backoff applied when an event consumer hits a
// retryable failure (event store busy, NATS unavailable).
type RetryConfig struct {
	Mode       RetryBackoffMode `yaml:"mode"`
	Initial    time.Duration    `yaml:"initial"`
	Max        time.Duration    `yaml:"max"`
	MaxRetries int              `yaml:"max_retries"`
}

// DefaultRetry is linear, 1s initial, 30s cap, 2 retries.
func DefaultRetry() RetryConfig {
	return RetryConfig{Mode: RetryBackoffLinear, Initial: time.Second, Max: 30 * time.Second, MaxRetries: 2}
}
