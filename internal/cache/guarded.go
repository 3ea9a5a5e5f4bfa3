package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-file-service/internal/circuitbreaker"
)

// Guarded wraps a remote Cache with a circuit breaker. While the circuit is
// open, Get reports a miss and Set is skipped, both with circuitbreaker.ErrOpen,
// so callers fall through to the query engine without waiting on timeouts.
type Guarded struct {
	inner   Cache
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuarded returns inner guarded by breaker.
func NewGuarded(inner Cache, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Get implements Cache.Get.
func (g *Guarded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := g.breaker.Call(ctx, func() error {
		var err error
		value, found, err = g.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Set implements Cache.Set.
func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.breaker.Call(ctx, func() error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

// State reports the breaker state.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}

// Ping reports circuitbreaker.ErrOpen while the circuit is open. Otherwise it
// pings the inner cache when that cache supports it.
func (g *Guarded) Ping() error {
	if g.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	if p, ok := g.inner.(interface{ Ping() error }); ok {
		return p.Ping()
	}
	return nil
}
