package broker

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperBroker_ConnectAndNextID(t *testing.T) {
	p := NewPaperBroker()
	require.NoError(t, p.ConnectCtx(context.Background()))

	id1, err := p.NextIDCtx(context.Background())
	require.NoError(t, err)
	id2, err := p.NextIDCtx(context.Background())
	require.NoError(t, err)
	assert.Less(t, id1, id2)
}

func TestPaperBroker_ReqContractDetails_FillsBrokerContractID(t *testing.T) {
	p := NewPaperBroker()
	c := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	resolved, err := p.ReqContractDetailsCtx(context.Background(), 7, c)
	require.NoError(t, err)
	assert.NotEmpty(t, resolved.BrokerContractID)
}

func TestPaperBroker_PlaceOrder_FillsImmediatelyAndRecordsExecution(t *testing.T) {
	p := NewPaperBroker()
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	order := models.Order{Action: models.ActionBuy, Qty: 10}

	filled, err := p.PlaceOrderCtx(context.Background(), 1, contract, order)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, filled.Status)

	execs, err := p.ReqExecutionsCtx(context.Background(), ExecutionFilter{ContractKey: contract.Key()})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecBought, execs[0].Side)
	assert.Equal(t, 10, execs[0].Shares)
}

func TestPaperBroker_ReqMarketData_PublishesTicks(t *testing.T) {
	p := NewPaperBroker()
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := p.ReqMarketDataCtx(ctx, 1, contract)
	require.NoError(t, err)

	select {
	case tick := <-ch:
		assert.Equal(t, contract.Key(), tick.ContractKey)
		assert.True(t, tick.Ask.GreaterThan(tick.Bid))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tick within 2s")
	}
}

func TestPaperBroker_CancelMarketData_StopsFurtherTicks(t *testing.T) {
	p := NewPaperBroker()
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	ctx := context.Background()

	_, err := p.ReqMarketDataCtx(ctx, 1, contract)
	require.NoError(t, err)
	require.NoError(t, p.CancelMarketDataCtx(ctx, 1))

	_, stillSubscribed := p.subs[1]
	assert.False(t, stillSubscribed)
}

func TestPaperBroker_AccountUpdatesAndPositions(t *testing.T) {
	p := NewPaperBroker()
	acct, err := p.ReqAccountUpdatesCtx(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", acct.Currency)

	positions, err := p.ReqPositionsCtx(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}
