package openlibrary

import (
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

const cacheTTL = 5 * time.Minute

// newLookupBreaker creates the circuit breaker guarding Open Library calls:
// - WithFailureRateThreshold: 60% failure rate, min 5 requests, 10s rolling window
// - WithDelay: 30s before transitioning from open to half-open
// - WithSuccessThreshold: 1 successful request in half-open to close
func newLookupBreaker() circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "openlibrary",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)

			metrics.CircuitBreakerStateChanges.WithLabelValues("openlibrary", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("openlibrary").Set(stateToFloat(e.NewState))
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// metaCache holds recent lookup results served as fallback while the
// circuit is open.
type metaCache struct {
	mu     sync.RWMutex
	values map[string]cachedMeta
}

type cachedMeta struct {
	meta      domain.BookMetadata
	timestamp time.Time
}

func newMetaCache() *metaCache {
	return &metaCache{values: make(map[string]cachedMeta)}
}

func (c *metaCache) put(isbn string, meta *domain.BookMetadata) {
	if meta == nil {
		return
	}
	c.mu.Lock()
	c.values[isbn] = cachedMeta{meta: *meta, timestamp: time.Now()}
	c.mu.Unlock()
}

// get returns a copy of the cached metadata, or nil if absent or expired.
func (c *metaCache) get(isbn string) *domain.BookMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.values[isbn]
	if !ok {
		return nil
	}
	if time.Since(cached.timestamp) > cacheTTL {
		return nil
	}

	meta := cached.meta
	return &meta
}
