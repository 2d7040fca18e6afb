package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with the brokerage.
type Broker interface {
	// Session lifecycle
	EnsureSession(ctx context.Context, force bool) error
	Ping(ctx context.Context) error

	// Account operations
	ListAccounts(ctx context.Context) ([]Account, error)
	PickSizingAccount(ctx context.Context) (*Account, error)

	// Market data
	GetMarketDetails(ctx context.Context, epic string) (*MarketDetailsResponse, error)

	// Order execution
	OpenPosition(ctx context.Context, intent OrderIntent) (*Confirmation, error)
	ClosePosition(ctx context.Context, dealID string, direction Direction, size float64) (*Confirmation, error)
}

// Ensure CapitalAPI implements Broker at compile time.
var _ Broker = (*CapitalAPI)(nil)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping broker API sheds load instead of stacking up webhook latency.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// EnsureSession wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) EnsureSession(ctx context.Context, force bool) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.EnsureSession(ctx, force)
	})
	return err
}

// Ping wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Ping(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Ping(ctx)
	})
	return err
}

// ListAccounts wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ListAccounts(ctx context.Context) ([]Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Account, error) {
		return b.ListAccounts(ctx)
	})
}

// PickSizingAccount wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PickSizingAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) {
		return b.PickSizingAccount(ctx)
	})
}

// GetMarketDetails wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetMarketDetails(ctx context.Context, epic string) (*MarketDetailsResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketDetailsResponse, error) {
		return b.GetMarketDetails(ctx, epic)
	})
}

// OpenPosition wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OpenPosition(ctx context.Context, intent OrderIntent) (*Confirmation, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Confirmation, error) {
		return b.OpenPosition(ctx, intent)
	})
}

// ClosePosition wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ClosePosition(ctx context.Context, dealID string, direction Direction, size float64) (*Confirmation, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Confirmation, error) {
		return b.ClosePosition(ctx, dealID, direction, size)
	})
}
