package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without calling the provider while the breaker
// is open, or half-open with its probe quota used up.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes a CircuitBreaker. Zero values take the defaults
// of DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Name string

	// MaxFailures consecutive failures open the circuit.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before letting probes through.
	Timeout time.Duration

	// HalfOpenMaxSuccesses probes must succeed to close the circuit again.
	HalfOpenMaxSuccesses uint32

	// Logger receives state transitions.
	Logger *zap.Logger
}

// DefaultCircuitBreakerConfig opens after 3 failures, waits 30s and closes
// after 2 successful probes.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                 name,
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// CircuitBreakerMetrics counts calls since the breaker was created, plus the
// current consecutive runs.
type CircuitBreakerMetrics struct {
	TotalRequests        uint64 `json:"total_requests"`
	TotalSuccesses       uint64 `json:"total_successes"`
	TotalFailures        uint64 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// CircuitBreaker guards calls to an embedding provider so a dead model
// server fails fast instead of holding every retrieval for its timeout.
type CircuitBreaker struct {
	gb        *gobreaker.CircuitBreaker
	successes atomic.Uint64
	failures  atomic.Uint64
}

// NewCircuitBreaker creates a breaker with the default configuration.
func NewCircuitBreaker(name string) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(DefaultCircuitBreakerConfig(name))
}

func NewCircuitBreakerWithConfig(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = def.HalfOpenMaxSuccesses
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxFailures := cfg.MaxFailures
	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= maxFailures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})}
}

// Execute calls fn unless the circuit is open. A context that is already
// done counts as a failure without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		cb.failures.Add(1)
		return nil, err
	}
	out, err := cb.gb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err == nil {
		cb.successes.Add(1)
		return out, nil
	}
	cb.failures.Add(1)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return nil, err
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	return cb.gb.State().String()
}

func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	s, f := cb.successes.Load(), cb.failures.Load()
	counts := cb.gb.Counts()
	return CircuitBreakerMetrics{
		TotalRequests:        s + f,
		TotalSuccesses:       s,
		TotalFailures:        f,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
