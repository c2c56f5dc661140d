// Package reconcile applies broker execution callbacks to trade/order
// bookkeeping and detects orphaned broker positions (§4.7).
package reconcile

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/orders"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SheetRow is one sheet upsert driven by a completed or partially completed
// closing order (§6.1).
type SheetRow struct {
	TradeUID   string
	Symbol     string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PctSold    decimal.Decimal
	Partial    bool
	Notes      string
}

// SheetWriter persists a SheetRow, satisfied by internal/sheet's gateway
// client.
type SheetWriter interface {
	UpsertRow(ctx context.Context, row SheetRow) error
}

// Notifier raises an operator notification (§6.4).
type Notifier interface {
	Notify(ctx context.Context, code, detail string) error
}

// Reconciler applies execution callbacks to orders/trades and reconciles
// broker-reported positions against the open-trade set.
type Reconciler struct {
	br       broker.Broker
	st       *store.Store
	orderMgr *orders.Manager
	sheet    SheetWriter
	notifier Notifier
	log      *logrus.Entry
}

// New constructs a Reconciler.
func New(br broker.Broker, st *store.Store, orderMgr *orders.Manager, sheet SheetWriter, notifier Notifier, log *logrus.Entry) *Reconciler {
	return &Reconciler{br: br, st: st, orderMgr: orderMgr, sheet: sheet, notifier: notifier, log: log}
}

// ProcessExecution applies one (possibly replayed) execution callback: it
// normalizes and persists the execution under the dedup rule, then
// recomputes the owning order's executed quantity and, once the order is
// fully executed, updates the trade and writes the sheet row.
func (r *Reconciler) ProcessExecution(ctx context.Context, trade *models.Trade, order models.Order, contract models.Contract, exec models.Execution) error {
	base, correction := models.ParseExecID(exec.ExecID)
	exec.BaseExecID = base
	exec.CorrectionID = correction
	exec.OrderRequestID = order.RequestID
	r.st.PutExecution(exec)

	executedQty := r.executedQty(order, contract)
	if executedQty < order.Qty {
		return nil // still partially filled, nothing to finalize yet
	}

	if newStatus, err := models.TransitionOrder(order.Status, models.OrderComplete, models.CondFilled); err != nil {
		r.log.WithError(err).WithField("request_id", order.RequestID).Warn("invalid order transition")
		order.Status = models.OrderComplete
	} else {
		order.Status = newStatus
	}
	r.st.PutOrder(order)
	trade.InFlightOrders--
	if trade.InFlightOrders < 0 {
		trade.InFlightOrders = 0
	}

	switch order.Action {
	case models.ActionBuy:
		trade.BoughtQty += executedQty
	case models.ActionSell:
		trade.SoldQty += executedQty
	}

	return r.finalizeTrade(ctx, trade, order, exec)
}

// executedQty computes the executed quantity for order against contract's
// shape: for BAG, the minimum across legs of leg_executed_shares/leg.ratio
// (every leg must reach its ratio-scaled share of order.qty); for
// everything else, the maximum reported cumulative quantity.
func (r *Reconciler) executedQty(order models.Order, contract models.Contract) int {
	if contract.SecType != models.SecBag {
		return r.maxCumQty(order.RequestID, order.ContractKey)
	}

	if len(contract.Legs) == 0 {
		return 0
	}
	min := -1
	for _, leg := range contract.Legs {
		legKey := leg.ContractKey(contract.Symbol)
		legShares := r.maxCumQty(order.RequestID, legKey)
		ratio := leg.Ratio
		if ratio <= 0 {
			ratio = 1
		}
		legQty := legShares / ratio
		if min == -1 || legQty < min {
			min = legQty
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

func (r *Reconciler) maxCumQty(orderRequestID, contractKey string) int {
	max := 0
	for _, e := range r.st.ListExecutionsForContract(contractKey) {
		if e.OrderRequestID != orderRequestID {
			continue
		}
		if e.CumQty > max {
			max = e.CumQty
		}
	}
	return max
}

// finalizeTrade registers the entry price on a trade's first completed
// order, or writes a partial/full close sheet row on a subsequent one.
func (r *Reconciler) finalizeTrade(ctx context.Context, trade *models.Trade, order models.Order, exec models.Execution) error {
	if !trade.EntryPrice.Valid {
		entry := signedEntryPrice(trade, exec)
		trade.EntryPrice = decimal.NewNullDecimal(entry)
		trade.DateEntered = exec.UTCTime
		if r.sheet != nil {
			return r.sheet.UpsertRow(ctx, SheetRow{
				TradeUID:   trade.UID,
				Symbol:     trade.Symbol,
				EntryPrice: entry,
				Notes:      "Opened",
			})
		}
		return nil
	}

	trade.ClosingOrdersEmitted++
	closedQty := order.Qty
	total := trade.TotalQty()
	pctSold := decimal.Zero
	if total > 0 {
		pctSold = decimal.NewFromInt(int64(closedQty)).Div(decimal.NewFromInt(int64(total))).Mul(decimal.NewFromInt(100))
	}
	partial := trade.LeftQty() > 0

	notes := closeNotes(trade, exec.Price)
	if r.sheet == nil {
		return nil
	}
	return r.sheet.UpsertRow(ctx, SheetRow{
		TradeUID:   trade.UID,
		Symbol:     trade.Symbol,
		ExitPrice:  exec.Price,
		PctSold:    pctSold,
		Partial:    partial,
		Notes:      notes,
	})
}

func signedEntryPrice(trade *models.Trade, exec models.Execution) decimal.Decimal {
	if trade.IsShort() || (trade.SecType == models.SecBag && exec.Side == models.ExecSold) {
		return exec.Price.Neg()
	}
	return exec.Price
}

// closeNotes picks "Target reached"/"Stop loss" by comparing closePrice
// against the trade's own entry price in its profit direction, inverted
// for credit-entry BAGs where a rising combo price is a loss, not a gain
// (§4.7). Magnitudes are compared since entry_price is signed negative
// for shorts and credit BAGs (§3).
func closeNotes(trade *models.Trade, closePrice decimal.Decimal) string {
	profitsUp := trade.ProfitsUp()
	credit := trade.SecType == models.SecBag && trade.OriginalEntryPrice.IsNegative()
	if credit {
		profitsUp = !profitsUp
	}

	entry := trade.EntryPrice.Decimal.Abs()
	price := closePrice.Abs()

	var favorable bool
	if profitsUp {
		favorable = price.GreaterThan(entry)
	} else {
		favorable = price.LessThan(entry)
	}
	if favorable {
		return "Target reached"
	}
	return "Stop loss"
}

// SyncOrphans flattens any broker position whose contract_key has no
// matching open trade, excluding the flattening order from trade
// accounting and notifying the operator (§4.7).
func (r *Reconciler) SyncOrphans(ctx context.Context, openContractKeys map[string]bool) error {
	positions, err := r.br.ReqPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: req_positions: %w", err)
	}

	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		if openContractKeys[pos.ContractKey] {
			continue
		}

		r.log.WithField("contract_key", pos.ContractKey).Warn("orphaned broker position detected, flattening")

		side := models.ActionSell
		if pos.Quantity < 0 {
			side = models.ActionBuy
		}
		qty := pos.Quantity
		if qty < 0 {
			qty = -qty
		}

		contract := models.Contract{Symbol: pos.ContractKey}
		_, err := r.orderMgr.Place(ctx, &models.Trade{UID: "orphan-" + pos.ContractKey}, orders.Request{
			Contract: contract,
			Side:     side,
			Qty:      qty,
			Closing:  false,
			Exclude:  true,
			Reason:   "orphan flatten",
		})
		if err != nil {
			r.log.WithError(err).WithField("contract_key", pos.ContractKey).Error("failed to flatten orphaned position")
			continue
		}

		if r.notifier != nil {
			detail := fmt.Sprintf("flattened orphaned position %s (qty %d)", pos.ContractKey, qty)
			if notifyErr := r.notifier.Notify(ctx, "99994", detail); notifyErr != nil {
				r.log.WithError(notifyErr).Warn("failed to notify operator of orphan flatten")
			}
		}
	}
	return nil
}
