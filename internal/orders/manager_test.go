package orders

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	codes []string
}

func (r *recordingNotifier) Notify(_ context.Context, code, _ string) error {
	r.codes = append(r.codes, code)
	return nil
}

type recordingSheetCloser struct {
	closed []string
}

func (r *recordingSheetCloser) CloseRow(_ context.Context, tradeUID, _ string) error {
	r.closed = append(r.closed, tradeUID)
	return nil
}

func newTestManager(t *testing.T, br broker.Broker, notifier Notifier, sheet SheetCloser) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	prices := func(string) (models.Price, bool) { return models.Price{}, false }
	cfg := DefaultConfig
	cfg.PegChaseInterval = 10 * time.Millisecond
	cfg.PegTimeout = 100 * time.Millisecond
	return New(br, st, logrus.NewEntry(logrus.New()), prices, notifier, sheet, cfg), st
}

func TestPlace_RefusesLockedTrade(t *testing.T) {
	br := broker.NewPaperBroker()
	m, _ := newTestManager(t, br, nil, nil)
	trade := &models.Trade{UID: "t1", InFlightOrders: 1}

	_, err := m.Place(context.Background(), trade, Request{Contract: models.Contract{Symbol: "AAPL"}, Side: models.ActionBuy, Qty: 1})
	require.ErrorIs(t, err, ErrTradeLocked)
}

func TestPlace_RefusesZeroQty(t *testing.T) {
	br := broker.NewPaperBroker()
	m, _ := newTestManager(t, br, nil, nil)
	trade := &models.Trade{UID: "t1"}

	_, err := m.Place(context.Background(), trade, Request{Contract: models.Contract{Symbol: "AAPL"}, Side: models.ActionBuy, Qty: 0})
	require.ErrorIs(t, err, ErrNoQty)
}

func TestPlace_OpensMarketOrderAndLocksTrade(t *testing.T) {
	br := broker.NewPaperBroker()
	m, st := newTestManager(t, br, nil, nil)
	trade := &models.Trade{UID: "t1"}
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}

	order, err := m.Place(context.Background(), trade, Request{Contract: contract, Side: models.ActionBuy, Qty: 5, Reason: "opening"})
	require.NoError(t, err)
	require.Equal(t, models.OrderPlaced, order.Status)
	require.Equal(t, 1, trade.InFlightOrders)
	require.False(t, trade.LastOrderRequestAt.IsZero())

	stored, ok := st.GetOrder(order.RequestID)
	require.True(t, ok)
	require.Equal(t, order.Qty, stored.Qty)
}

func TestPlace_ClosingOrderRefusedWhenUnreachable(t *testing.T) {
	br := broker.NewPaperBroker()
	notifier := &recordingNotifier{}
	sheet := &recordingSheetCloser{}
	m, _ := newTestManager(t, br, notifier, sheet)
	trade := &models.Trade{UID: "t1", Size: 10} // long trade, IsLong() true
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}

	_, err := m.Place(context.Background(), trade, Request{
		Contract: contract, Side: models.ActionSell, Qty: 5, Closing: true,
	})
	require.ErrorIs(t, err, ErrUnreachable)
	require.Equal(t, []string{"t1"}, sheet.closed)
	require.Equal(t, []string{"99993"}, notifier.codes)
}

func TestPlace_ClosingOrderTrimmedToAvailablePosition(t *testing.T) {
	br := broker.NewPaperBroker()
	ctx := context.Background()
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}

	// Open a long position of 3 shares via the broker so the reachability
	// check finds a partial position.
	reqID, err := br.NextIDCtx(ctx)
	require.NoError(t, err)
	_, err = br.PlaceOrderCtx(ctx, reqID, contract, models.Order{Action: models.ActionBuy, Qty: 3})
	require.NoError(t, err)
	br.SetPositionForTest(contract.Key(), 3)

	m, _ := newTestManager(t, br, nil, nil)
	trade := &models.Trade{UID: "t1", Size: 10}

	order, err := m.Place(ctx, trade, Request{Contract: contract, Side: models.ActionSell, Qty: 5, Closing: true})
	require.NoError(t, err)
	require.Equal(t, 3, order.Qty)
}

func TestChase_ReleasesLockOnceOrderIsFilled(t *testing.T) {
	br := broker.NewPaperBroker()
	st, err := store.New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	drifted := decimal.NewFromFloat(101)
	prices := func(string) (models.Price, bool) {
		return models.Price{Mid: drifted}, true
	}

	cfg := DefaultConfig
	cfg.PegChaseInterval = 10 * time.Millisecond
	cfg.PegTimeout = 200 * time.Millisecond
	m := New(br, st, logrus.NewEntry(logrus.New()), prices, nil, nil, cfg)

	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	trade := &models.Trade{UID: "t1"}

	order, err := m.Place(context.Background(), trade, Request{
		Contract: contract, Side: models.ActionBuy, Qty: 5, IsPeg: true, Limit: decimal.NewFromFloat(100),
	})
	require.NoError(t, err)
	require.True(t, order.IsPegMid)

	// Paper broker fills immediately, so the chase loop should observe a
	// complete fill on its first tick and exit without error.
	require.Eventually(t, func() bool {
		return trade.InFlightOrders == 0
	}, 300*time.Millisecond, 5*time.Millisecond)
}
