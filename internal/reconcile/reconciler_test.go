package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/orders"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingSheet struct {
	rows []SheetRow
}

func (r *recordingSheet) UpsertRow(_ context.Context, row SheetRow) error {
	r.rows = append(r.rows, row)
	return nil
}

type recordingNotifier struct {
	codes []string
}

func (r *recordingNotifier) Notify(_ context.Context, code, _ string) error {
	r.codes = append(r.codes, code)
	return nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *recordingSheet, *recordingNotifier) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	br := broker.NewPaperBroker()
	prices := func(string) (models.Price, bool) { return models.Price{}, false }
	orderMgr := orders.New(br, st, logrus.NewEntry(logrus.New()), prices, nil, nil, orders.DefaultConfig)
	sheet := &recordingSheet{}
	notifier := &recordingNotifier{}
	return New(br, st, orderMgr, sheet, notifier, logrus.NewEntry(logrus.New())), st, sheet, notifier
}

func TestProcessExecution_RegistersEntryPriceOnFirstFill(t *testing.T) {
	r, _, sheet, _ := newTestReconciler(t)
	trade := &models.Trade{UID: "t1", Symbol: "AAPL", InFlightOrders: 1}
	order := models.Order{RequestID: "1", TradeUID: "t1", ContractKey: "AAPL", Qty: 10}
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	exec := models.Execution{
		ExecID: "E1", ContractKey: "AAPL", Shares: 10, CumQty: 10,
		Price: decimal.NewFromFloat(150), UTCTime: time.Now(),
	}

	err := r.ProcessExecution(context.Background(), trade, order, contract, exec)
	require.NoError(t, err)
	require.True(t, trade.EntryPrice.Valid)
	require.True(t, trade.EntryPrice.Decimal.Equal(decimal.NewFromFloat(150)))
	require.Equal(t, 0, trade.InFlightOrders)
	require.Len(t, sheet.rows, 1)
	require.Equal(t, "Opened", sheet.rows[0].Notes)
}

func TestProcessExecution_PartialFillDoesNotFinalize(t *testing.T) {
	r, _, sheet, _ := newTestReconciler(t)
	trade := &models.Trade{UID: "t1", Symbol: "AAPL", InFlightOrders: 1}
	order := models.Order{RequestID: "1", TradeUID: "t1", ContractKey: "AAPL", Qty: 10}
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	exec := models.Execution{
		ExecID: "E1", ContractKey: "AAPL", Shares: 4, CumQty: 4,
		Price: decimal.NewFromFloat(150), UTCTime: time.Now(),
	}

	err := r.ProcessExecution(context.Background(), trade, order, contract, exec)
	require.NoError(t, err)
	require.False(t, trade.EntryPrice.Valid)
	require.Equal(t, 1, trade.InFlightOrders)
	require.Empty(t, sheet.rows)
}

func TestProcessExecution_BagCompletesOnlyWhenAllLegsReached(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	trade := &models.Trade{
		UID: "t1", Symbol: "SPY", InFlightOrders: 1,
		EntryPrice:      decimal.NewNullDecimal(decimal.NewFromFloat(1.5)),
		OpeningOrderQty: 10,
	}
	contract := models.Contract{
		SecType: models.SecBag, Symbol: "SPY",
		Legs: []models.Leg{
			{Sequence: 0, Action: models.ActionBuy, Ratio: 1, Right: models.RightPut, Strike: 400},
			{Sequence: 1, Action: models.ActionSell, Ratio: 1, Right: models.RightCall, Strike: 420},
		},
	}
	order := models.Order{RequestID: "1", TradeUID: "t1", ContractKey: contract.Key(), Qty: 10}

	legPut := contract.Legs[0].ContractKey("SPY")
	legCall := contract.Legs[1].ContractKey("SPY")

	// First leg fills completely, second only partially: order should not finalize.
	err := r.ProcessExecution(context.Background(), trade, order, contract, models.Execution{
		ExecID: "E1", ContractKey: legPut, OrderRequestID: "1", CumQty: 10, Price: decimal.NewFromFloat(2), UTCTime: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, trade.InFlightOrders, "order should still be in flight: second leg not yet filled")

	err = r.ProcessExecution(context.Background(), trade, order, contract, models.Execution{
		ExecID: "E2", ContractKey: legCall, OrderRequestID: "1", CumQty: 6, Price: decimal.NewFromFloat(1), UTCTime: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, trade.InFlightOrders, "still short on the call leg")

	err = r.ProcessExecution(context.Background(), trade, order, contract, models.Execution{
		ExecID: "E3", ContractKey: legCall, OrderRequestID: "1", CumQty: 10, Price: decimal.NewFromFloat(1), UTCTime: time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, 0, trade.InFlightOrders, "both legs now reached order qty")
}

func TestProcessExecution_CloseNotesTargetReachedOnLong(t *testing.T) {
	r, _, sheet, _ := newTestReconciler(t)
	trade := &models.Trade{
		UID: "t1", Symbol: "AAPL", SecType: models.SecStock, Size: 1,
		InFlightOrders:  1,
		EntryPrice:      decimal.NewNullDecimal(decimal.NewFromFloat(150)),
		OpeningOrderQty: 10,
	}
	order := models.Order{RequestID: "2", TradeUID: "t1", ContractKey: "AAPL", Action: models.ActionSell, Qty: 10}
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	exec := models.Execution{
		ExecID: "E2", ContractKey: "AAPL", Shares: 10, CumQty: 10,
		Price: decimal.NewFromFloat(160), UTCTime: time.Now(),
	}

	err := r.ProcessExecution(context.Background(), trade, order, contract, exec)
	require.NoError(t, err)
	require.Len(t, sheet.rows, 1)
	require.Equal(t, "Target reached", sheet.rows[0].Notes)
}

func TestProcessExecution_CloseNotesStopLossOnLong(t *testing.T) {
	r, _, sheet, _ := newTestReconciler(t)
	trade := &models.Trade{
		UID: "t1", Symbol: "AAPL", SecType: models.SecStock, Size: 1,
		InFlightOrders:  1,
		EntryPrice:      decimal.NewNullDecimal(decimal.NewFromFloat(150)),
		OpeningOrderQty: 10,
	}
	order := models.Order{RequestID: "2", TradeUID: "t1", ContractKey: "AAPL", Action: models.ActionSell, Qty: 10}
	contract := models.Contract{SecType: models.SecStock, Symbol: "AAPL"}
	exec := models.Execution{
		ExecID: "E2", ContractKey: "AAPL", Shares: 10, CumQty: 10,
		Price: decimal.NewFromFloat(140), UTCTime: time.Now(),
	}

	err := r.ProcessExecution(context.Background(), trade, order, contract, exec)
	require.NoError(t, err)
	require.Len(t, sheet.rows, 1)
	require.Equal(t, "Stop loss", sheet.rows[0].Notes)
}

func TestSyncOrphans_FlattensUnmatchedPosition(t *testing.T) {
	r, _, _, notifier := newTestReconciler(t)
	br := r.br.(*broker.PaperBroker)
	br.SetPositionForTest("MSFT", 5)

	err := r.SyncOrphans(context.Background(), map[string]bool{"AAPL": true})
	require.NoError(t, err)
	require.Equal(t, []string{"99994"}, notifier.codes)
}

func TestSyncOrphans_SkipsKnownContracts(t *testing.T) {
	r, _, _, notifier := newTestReconciler(t)
	br := r.br.(*broker.PaperBroker)
	br.SetPositionForTest("AAPL", 5)

	err := r.SyncOrphans(context.Background(), map[string]bool{"AAPL": true})
	require.NoError(t, err)
	require.Empty(t, notifier.codes)
}
