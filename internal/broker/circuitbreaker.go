package broker

import (
	"context"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the gobreaker.CircuitBreaker guarding a
// Broker. Mirrors gobreaker.Settings' tunable fields directly so callers
// don't need to import gobreaker themselves.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func defaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// CircuitBreakerBroker wraps a Broker with a gobreaker.CircuitBreaker so a
// string of failing broker calls trips open and fails fast instead of
// hammering a degraded gateway, matching §7's "do not retry forever" policy.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with default circuit breaker settings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, defaultCircuitBreakerSettings())
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings,
// useful for tests that need a fast-tripping breaker.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State reports the underlying breaker's current state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

func (c *CircuitBreakerBroker) ConnectCtx(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.ConnectCtx(ctx)
	})
	return err
}

func (c *CircuitBreakerBroker) NextIDCtx(ctx context.Context) (int, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.NextIDCtx(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

func (c *CircuitBreakerBroker) ReqMarketDataCtx(ctx context.Context, reqID int, contract models.Contract) (<-chan models.Price, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.ReqMarketDataCtx(ctx, reqID, contract)
	})
	if err != nil {
		return nil, err
	}
	return res.(<-chan models.Price), nil
}

func (c *CircuitBreakerBroker) CancelMarketDataCtx(ctx context.Context, reqID int) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.CancelMarketDataCtx(ctx, reqID)
	})
	return err
}

func (c *CircuitBreakerBroker) ReqContractDetailsCtx(ctx context.Context, reqID int, contract models.Contract) (models.Contract, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.ReqContractDetailsCtx(ctx, reqID, contract)
	})
	if err != nil {
		return models.Contract{}, err
	}
	return res.(models.Contract), nil
}

func (c *CircuitBreakerBroker) PlaceOrderCtx(ctx context.Context, reqID int, contract models.Contract, order models.Order) (models.Order, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.PlaceOrderCtx(ctx, reqID, contract, order)
	})
	if err != nil {
		return models.Order{}, err
	}
	return res.(models.Order), nil
}

func (c *CircuitBreakerBroker) CancelOrderCtx(ctx context.Context, reqID int) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.CancelOrderCtx(ctx, reqID)
	})
	return err
}

func (c *CircuitBreakerBroker) ReqExecutionsCtx(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.ReqExecutionsCtx(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return res.([]models.Execution), nil
}

func (c *CircuitBreakerBroker) ReqAccountUpdatesCtx(ctx context.Context) (AccountUpdate, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.ReqAccountUpdatesCtx(ctx)
	})
	if err != nil {
		return AccountUpdate{}, err
	}
	return res.(AccountUpdate), nil
}

func (c *CircuitBreakerBroker) ReqPositionsCtx(ctx context.Context) ([]models.BrokerPosition, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.ReqPositionsCtx(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]models.BrokerPosition), nil
}

var _ Broker = (*CircuitBreakerBroker)(nil)
