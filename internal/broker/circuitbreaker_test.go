package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct {
	callCount  int
	shouldFail bool
	failAfter  int
}

func (s *stubBroker) call() error {
	s.callCount++
	if s.shouldFail && s.callCount > s.failAfter {
		return errors.New("stub broker error")
	}
	return nil
}

func (s *stubBroker) ConnectCtx(_ context.Context) error { return s.call() }
func (s *stubBroker) NextIDCtx(_ context.Context) (int, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	return s.callCount, nil
}
func (s *stubBroker) ReqMarketDataCtx(_ context.Context, _ int, _ models.Contract) (<-chan models.Price, error) {
	if err := s.call(); err != nil {
		return nil, err
	}
	ch := make(chan models.Price)
	close(ch)
	return ch, nil
}
func (s *stubBroker) CancelMarketDataCtx(_ context.Context, _ int) error { return s.call() }
func (s *stubBroker) ReqContractDetailsCtx(_ context.Context, _ int, c models.Contract) (models.Contract, error) {
	if err := s.call(); err != nil {
		return models.Contract{}, err
	}
	return c, nil
}
func (s *stubBroker) PlaceOrderCtx(_ context.Context, _ int, _ models.Contract, o models.Order) (models.Order, error) {
	if err := s.call(); err != nil {
		return models.Order{}, err
	}
	return o, nil
}
func (s *stubBroker) CancelOrderCtx(_ context.Context, _ int) error { return s.call() }
func (s *stubBroker) ReqExecutionsCtx(_ context.Context, _ ExecutionFilter) ([]models.Execution, error) {
	if err := s.call(); err != nil {
		return nil, err
	}
	return nil, nil
}
func (s *stubBroker) ReqAccountUpdatesCtx(_ context.Context) (AccountUpdate, error) {
	if err := s.call(); err != nil {
		return AccountUpdate{}, err
	}
	return AccountUpdate{}, nil
}
func (s *stubBroker) ReqPositionsCtx(_ context.Context) ([]models.BrokerPosition, error) {
	if err := s.call(); err != nil {
		return nil, err
	}
	return nil, nil
}

func TestNewCircuitBreakerBroker(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)
	require.NotNil(t, cb)
	assert.Equal(t, stub, cb.broker)
	assert.NotNil(t, cb.breaker)
}

func TestCircuitBreakerBroker_SuccessfulCalls(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)

	id, err := cb.NextIDCtx(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestCircuitBreakerBroker_TripsOpenOnFailures(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 3}
	settings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
	cb := NewCircuitBreakerBrokerWithSettings(stub, settings)

	for i := 0; i < 8; i++ {
		_, err := cb.NextIDCtx(context.Background())
		if i < 3 {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	}

	assert.Equal(t, gobreaker.StateOpen, cb.breaker.State())
}

func TestCircuitBreakerBroker_OpenStateFailsFast(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 0}
	settings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Second,
		Timeout:      time.Second,
		MinRequests:  1,
		FailureRatio: 0.1,
	}
	cb := NewCircuitBreakerBrokerWithSettings(stub, settings)

	_, err := cb.NextIDCtx(context.Background())
	assert.Error(t, err)

	_, err = cb.NextIDCtx(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}
