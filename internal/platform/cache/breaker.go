package cache

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"usagemeter/internal/platform/logging"
)

// BreakerConfig configures the process-wide cache circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	FailureThreshold uint
	// CooldownPeriod is how long the circuit stays open before probing
	// with a half-open trial. Default: 30s.
	CooldownPeriod time.Duration
	Logger         logging.Logger
}

// DefaultBreakerConfig returns the production defaults: open after 5
// consecutive failures, auto-close after a 30s cooldown.
func DefaultBreakerConfig(name string, logger logging.Logger) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
		Logger:           logger,
	}
}

// Breaker is the single helper every cache call site goes through. It
// enforces the (tryFast, fallback) pairing every cache use must follow:
// callers pass the fast-path operation and a fallback; the breaker records
// failures, short-circuits to fallback while open, and never lets a cache
// error escape to business logic as if the cache were authoritative.
type Breaker struct {
	cb     circuitbreaker.CircuitBreaker[any]
	name   string
	logger logging.Logger
}

// NewBreaker builds a Breaker from cfg, applying DefaultBreakerConfig values
// for any zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownPeriod == 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.CooldownPeriod).
		WithSuccessThreshold(1)

	if cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			cfg.Logger.WithFields(logging.Fields{
				"breaker":    cfg.Name,
				"from_state": event.OldState.String(),
				"to_state":   event.NewState.String(),
			}).Warn("cache circuit breaker state change")
		})
	}

	return &Breaker{cb: builder.Build(), name: cfg.Name, logger: cfg.Logger}
}

// IsOpen reports whether the breaker is currently short-circuiting to fallback.
func (b *Breaker) IsOpen() bool {
	return b.cb.IsOpen()
}

// TryFast runs fast through the breaker. If the breaker is open, or fast
// fails, it runs fallback instead and swallows the fast-path error (logging
// it) since cache failures must never surface to business logic.
func (b *Breaker) TryFast(fast func() error, fallback func() error) error {
	if b.cb.IsOpen() {
		return fallback()
	}

	_, err := failsafe.With(b.cb).Get(func() (any, error) {
		return nil, fast()
	})
	if err != nil {
		if b.logger != nil {
			b.logger.WithFields(logging.Fields{
				"breaker": b.name,
				"error":   err.Error(),
			}).Debug("cache fast path failed, falling back to store")
		}
		return fallback()
	}
	return nil
}
