package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// GuardConfig holds configuration for a Guard.
type GuardConfig struct {
	Name            string
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CircuitBreaker  *CircuitBreakerConfig
	Registry        *Registry
}

// Guard applies the same breaker and backoff policy as Client to arbitrary
// operations, such as sending mail or publishing a message.
type Guard struct {
	circuitBreaker *gobreaker.CircuitBreaker[struct{}]
	config         GuardConfig
}

// NewGuard creates a guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	cbConfig := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	g := &Guard{
		circuitBreaker: NewCircuitBreaker[struct{}](cbConfig),
		config:         cfg,
	}
	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, g)
	}
	return g
}

// Name returns the guard name.
func (g *Guard) Name() string {
	return g.config.Name
}

// Do runs op until it succeeds, the retries are exhausted, ctx ends or the
// breaker opens. Errors wrapped with backoff.Permanent are not retried.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.InitialInterval
	bo.MaxInterval = g.config.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, g.config.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		_, err := g.circuitBreaker.Execute(func() (struct{}, error) {
			return struct{}{}, op(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		return err
	}, policy)

	if g.config.Registry != nil {
		if err != nil {
			g.config.Registry.RecordFailure(g.config.Name, err)
		} else {
			g.config.Registry.RecordSuccess(g.config.Name)
		}
	}
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (g *Guard) CircuitBreakerState() gobreaker.State {
	return g.circuitBreaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (g *Guard) CircuitBreakerCounts() gobreaker.Counts {
	return g.circuitBreaker.Counts()
}
