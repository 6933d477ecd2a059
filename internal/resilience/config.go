package resilience

import (
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// RatePerSec is the per-connection request rate. Zero or less disables
	// limiting.
	RatePerSec float64
	// Burst is the limiter bucket size. Default: 1.
	Burst   int
	Circuit CircuitBreakerConfig
	Retry   RetryConfig
}

// FromResolverConfig converts resolver config values into a GuardConfig.
func FromResolverConfig(ratePerSec float64, burst, failureThreshold, resetSecs int) GuardConfig {
	cfg := GuardConfig{
		RatePerSec: ratePerSec,
		Burst:      burst,
		Circuit:    DefaultCircuitBreakerConfig(),
		Retry:      DefaultRetryConfig(),
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if failureThreshold > 0 {
		cfg.Circuit.FailureThreshold = failureThreshold
	}
	if resetSecs > 0 {
		cfg.Circuit.ResetTimeout = time.Duration(resetSecs) * time.Second
	}
	return cfg
}

func (c GuardConfig) limit() rate.Limit {
	if c.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSec)
}
