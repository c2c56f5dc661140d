package broker

import (
	cryptorand "crypto/rand"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/shopspring/decimal"
)

// PaperBroker is an in-memory Broker that simulates fills and a random-walk
// tick feed, so the engine can run against a fake gateway in dev/tests
// without a live connection (§2: paper mode).
//
// Not goroutine-safe beyond its own internal locking; callers interact with
// it only through the Broker interface.
type PaperBroker struct {
	mu sync.Mutex

	nextReqID int
	mids      map[string]float64 // contract_key -> current simulated mid

	subs map[int]chan models.Price

	orders      map[int]models.Order
	executions  []models.Execution
	positions   map[string]models.BrokerPosition
}

// NewPaperBroker constructs an empty paper broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		mids:      make(map[string]float64),
		subs:      make(map[int]chan models.Price),
		orders:    make(map[int]models.Order),
		positions: make(map[string]models.BrokerPosition),
	}
}

func secureFloat64() float64 {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

func (p *PaperBroker) midFor(contractKey string) float64 {
	mid, ok := p.mids[contractKey]
	if !ok {
		mid = 1.0 + secureFloat64()*4 // small option-premium-shaped starting mid
	}
	mid += (secureFloat64() - 0.5) * 0.1
	if mid < 0.05 {
		mid = 0.05
	}
	p.mids[contractKey] = mid
	return mid
}

func (p *PaperBroker) ConnectCtx(_ context.Context) error { return nil }

func (p *PaperBroker) NextIDCtx(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextReqID++
	return p.nextReqID, nil
}

func (p *PaperBroker) ReqMarketDataCtx(ctx context.Context, reqID int, contract models.Contract) (<-chan models.Price, error) {
	p.mu.Lock()
	ch := make(chan models.Price, 16)
	p.subs[reqID] = ch
	p.mu.Unlock()

	go p.publishTicks(ctx, reqID, contract.Key(), ch)
	return ch, nil
}

func (p *PaperBroker) publishTicks(ctx context.Context, reqID int, contractKey string, ch chan models.Price) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			_, active := p.subs[reqID]
			if !active {
				p.mu.Unlock()
				return
			}
			mid := p.midFor(contractKey)
			p.mu.Unlock()

			now := time.Now()
			spread := 0.02
			tick := models.Price{
				ContractKey: contractKey,
				T:           now,
				Bid:         decimal.NewFromFloat(mid - spread/2),
				Ask:         decimal.NewFromFloat(mid + spread/2),
				BidAt:       now,
				AskAt:       now,
				Mid:         decimal.NewFromFloat(mid),
				MidAt:       now,
			}
			select {
			case ch <- tick:
			default:
			}
		}
	}
}

func (p *PaperBroker) CancelMarketDataCtx(_ context.Context, reqID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, reqID)
	return nil
}

func (p *PaperBroker) ReqContractDetailsCtx(_ context.Context, reqID int, contract models.Contract) (models.Contract, error) {
	contract.BrokerContractID = fmt.Sprintf("PAPER-%d", reqID)
	return contract, nil
}

func (p *PaperBroker) PlaceOrderCtx(_ context.Context, reqID int, contract models.Contract, order models.Order) (models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order.Status = models.OrderComplete
	order.DateFilled = time.Now()
	p.orders[reqID] = order

	mid := p.midFor(contract.Key())
	exec := models.Execution{
		ExecID:      fmt.Sprintf("PAPER-%d", reqID),
		BaseExecID:  fmt.Sprintf("PAPER-%d", reqID),
		ContractKey: contract.Key(),
		Shares:      order.Qty,
		Price:       decimal.NewFromFloat(mid),
		AvgPrice:    decimal.NewFromFloat(mid),
		CumQty:      order.Qty,
		UTCTime:     time.Now(),
	}
	switch order.Action {
	case models.ActionBuy:
		exec.Side = models.ExecBought
	case models.ActionSell:
		exec.Side = models.ExecSold
	}
	p.executions = append(p.executions, exec)

	return order, nil
}

func (p *PaperBroker) CancelOrderCtx(_ context.Context, reqID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[reqID]
	if !ok {
		return fmt.Errorf("paper broker: unknown order %d", reqID)
	}
	order.Status = models.OrderComplete
	p.orders[reqID] = order
	return nil
}

func (p *PaperBroker) ReqExecutionsCtx(_ context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Execution
	for _, e := range p.executions {
		if filter.ContractKey != "" && e.ContractKey != filter.ContractKey {
			continue
		}
		if !filter.Since.IsZero() && e.UTCTime.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *PaperBroker) ReqAccountUpdatesCtx(_ context.Context) (AccountUpdate, error) {
	return AccountUpdate{
		NetLiquidation: decimal.NewFromInt(100000),
		BuyingPower:    decimal.NewFromInt(50000),
		Currency:       "USD",
	}, nil
}

func (p *PaperBroker) ReqPositionsCtx(_ context.Context) ([]models.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// SetPositionForTest seeds a broker-reported position directly, for tests
// that need to exercise a reachability check without a full order flow.
func (p *PaperBroker) SetPositionForTest(contractKey string, qty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[contractKey] = models.BrokerPosition{
		ContractKey: contractKey,
		Quantity:    qty,
		ObservedAt:  time.Now(),
		Valid:       true,
	}
}

var _ Broker = (*PaperBroker)(nil)
