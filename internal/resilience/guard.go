package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard holds one rate limiter and one circuit breaker per WhatsApp
// connection.
type Guard struct {
	cfg GuardConfig

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	breakers map[int64]*CircuitBreaker
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guard{
		cfg:      cfg,
		limiters: make(map[int64]*rate.Limiter),
		breakers: make(map[int64]*CircuitBreaker),
	}
}

// Breaker returns the circuit breaker for a connection, creating it if
// needed.
func (g *Guard) Breaker(connectionID int64) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakerLocked(connectionID)
}

// States returns a snapshot of every breaker's state.
func (g *Guard) States() map[int64]CircuitState {
	g.mu.Lock()
	breakers := make(map[int64]*CircuitBreaker, len(g.breakers))
	for id, cb := range g.breakers {
		breakers[id] = cb
	}
	g.mu.Unlock()

	states := make(map[int64]CircuitState, len(breakers))
	for id, cb := range breakers {
		states[id] = cb.State()
	}
	return states
}

func (g *Guard) breakerLocked(connectionID int64) *CircuitBreaker {
	cb, ok := g.breakers[connectionID]
	if !ok {
		cfg := g.cfg.Circuit
		onChange := cfg.OnStateChange
		cfg.OnStateChange = func(from, to CircuitState) {
			zap.L().Info("resilience: circuit state change",
				zap.Int64("connection_id", connectionID),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
			if onChange != nil {
				onChange(from, to)
			}
		}
		cb = NewCircuitBreaker(cfg)
		g.breakers[connectionID] = cb
	}
	return cb
}

func (g *Guard) limiter(connectionID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(g.cfg.limit(), g.cfg.Burst)
		g.limiters[connectionID] = l
	}
	return l
}

// Call waits for the connection's limiter, then runs fn with retries inside
// the connection's circuit breaker. A nil Guard runs fn directly.
func Call[T any](ctx context.Context, g *Guard, connectionID int64, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	var zero T
	if err := g.limiter(connectionID).Wait(ctx); err != nil {
		return zero, eris.Wrapf(err, "resilience: %s: rate limit", op)
	}

	retry := g.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(op, connectionID)
	}
	return ExecuteVal(ctx, g.Breaker(connectionID), func(ctx context.Context) (T, error) {
		return DoVal(ctx, retry, fn)
	})
}
