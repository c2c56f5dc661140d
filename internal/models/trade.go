package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

// TradeStatus values, per the Trade state machine in §4.8.
const (
	StatusPreOpenCheck TradeStatus = "pre-open-check"
	StatusOpen         TradeStatus = "open"
	StatusClosed       TradeStatus = "closed"
	StatusError        TradeStatus = "error"
)

// CapitalFactor is the dollar scaling applied to a sheet's ×1000-USD
// position size when no opening orders exist yet to derive total_qty from.
// TotalQty and OpenSize always use this constant; the store section's
// capital_factor config value is not read by them.
const CapitalFactor = 1000.0

// Trade is the central entity of the engine: one sheet intent row, its
// contract shape, its target/stop ladder, and the running tally of orders
// executed against it.
type Trade struct {
	UID    string
	Symbol string

	SecType SecType
	// Size is signed: positive = long, negative = short.
	Size int

	TacticText string

	UnderlyingEntryPrice decimal.Decimal
	OriginalEntryPrice   decimal.Decimal
	EntryPrice           decimal.NullDecimal
	ExitPrice            decimal.NullDecimal

	DateEntered time.Time
	DateExited  time.Time

	TargetPrices []decimal.Decimal // up to 3, in order
	StopPrices   []decimal.Decimal // up to 2, in order

	// Option/combo shape. Single-leg OPT populates Strike/Right/Expiry
	// directly; BAG populates Legs instead.
	Strike float64
	Right  Right
	Expiry time.Time
	Legs   []Leg

	Status        TradeStatus
	AlertCategory string

	// Opening/closing order tallies, maintained by the Reconciler as
	// executions land. BoughtQty and SoldQty are cumulative absolute
	// quantities filled on each side, independent of trade direction.
	BoughtQty int
	SoldQty   int

	// OpeningOrderQty, when non-zero, pins total_qty to the sum of the
	// trade's opening orders rather than deriving it from size/entry.
	OpeningOrderQty int

	// ClosingOrdersEmitted counts target/stop closing orders already sent,
	// indexed from zero, used to pick the next target/stop price.
	ClosingOrdersEmitted int

	// LastOrderRequestAt backs the per-trade cooldown (§4.5 rule 5).
	LastOrderRequestAt time.Time

	// CheckedQty is the last broker-reported held quantity for this
	// trade's contract, cached so the Order Manager's reachability check
	// doesn't need a broker round trip every cycle (supplemented field,
	// SPEC_FULL §3.1).
	CheckedQty int

	// InFlightOrders counts orders currently in ready/placed status;
	// non-zero means the trade is locked (invariant 8, §3).
	InFlightOrders int

	Commission decimal.Decimal
}

// IsLong reports whether the trade's own direction is long. BAG trades are
// always perceived as long by the broker (resolved Open Question 3, §9);
// direction/credit-debit is instead recorded via OriginalEntryPrice's sign.
func (t *Trade) IsLong() bool {
	if t.SecType == SecBag {
		return true
	}
	return t.Size > 0
}

// ProfitsUp reports whether reaching a higher price is the trade's profit
// direction (invariant 6, §3): true iff target_price[1] > underlying entry.
func (t *Trade) ProfitsUp() bool {
	if len(t.TargetPrices) == 0 {
		return t.IsLong()
	}
	return t.TargetPrices[0].GreaterThan(t.UnderlyingEntryPrice)
}

// Locked reports whether the trade has any in-flight order (invariant 8).
func (t *Trade) Locked() bool {
	return t.InFlightOrders > 0
}

// NumberOfTargets returns the count of populated target prices.
func (t *Trade) NumberOfTargets() int {
	return len(t.TargetPrices)
}

// NumberOfStops returns the count of populated stop prices.
func (t *Trade) NumberOfStops() int {
	return len(t.StopPrices)
}

// TotalQty is the opening-order qty sum if opening orders exist, else the
// size/entry-price-derived quantity (§4.4).
func (t *Trade) TotalQty() int {
	if t.OpeningOrderQty > 0 {
		return t.OpeningOrderQty
	}
	if t.EntryPrice.Valid && !t.EntryPrice.Decimal.IsZero() {
		multiplier := 1.0
		if t.SecType == SecOpt || t.SecType == SecBag {
			multiplier = 100.0
		}
		entry, _ := t.EntryPrice.Decimal.Float64()
		size := math.Abs(float64(t.Size))
		return int(math.Round(size * CapitalFactor / (entry * multiplier)))
	}
	return 0
}

// LeftQty is the remaining open quantity on the trade (invariant 3, §3).
func (t *Trade) LeftQty() int {
	closed := t.SoldQty
	if !t.IsShort() {
		closed = t.SoldQty
	}
	if t.IsShort() {
		closed = t.BoughtQty
	}
	left := t.TotalQty() - closed
	if left < 0 {
		return 0
	}
	return left
}

// IsShort reports whether the trade is a short (negative size, non-BAG).
func (t *Trade) IsShort() bool {
	return t.SecType != SecBag && t.Size < 0
}

// TargetQty returns the quantity for the target order at the given index
// (0-based), equal to LeftQty if this is the final expected target, else
// total_qty spread evenly across all targets (§4.4).
func (t *Trade) TargetQty(index int) int {
	return t.ladderQty(index, t.NumberOfTargets())
}

// StopQty returns the quantity for the stop order at the given index
// (0-based), symmetric with TargetQty.
func (t *Trade) StopQty(index int) int {
	return t.ladderQty(index, t.NumberOfStops())
}

func (t *Trade) ladderQty(index, count int) int {
	if count == 0 {
		return 0
	}
	if index == count-1 {
		return t.LeftQty()
	}
	return int(math.Round(float64(t.TotalQty()) / float64(count)))
}

// NextTargetIndex returns the index of the next target to evaluate, or -1
// when all targets have been emitted.
func (t *Trade) NextTargetIndex() int {
	if t.ClosingOrdersEmitted >= t.NumberOfTargets() {
		return -1
	}
	return t.ClosingOrdersEmitted
}

// NextStopIndex mirrors NextTargetIndex for stops.
func (t *Trade) NextStopIndex() int {
	if t.ClosingOrdersEmitted >= t.NumberOfStops() {
		return -1
	}
	return t.ClosingOrdersEmitted
}

// OpeningSide returns the action for an opening order: SELL for shorts
// ("SSHORT" in the broker's vocabulary, modeled here as plain SELL since
// the engine's Action type has no short-sale distinction), BUY for longs
// and BAGs.
func (t *Trade) OpeningSide() Action {
	if t.IsShort() {
		return ActionSell
	}
	return ActionBuy
}

// OpenSize returns the quantity to request on the opening order. Before a
// fill, entry_price is unset by definition (§3), so the opening quantity
// must be derived from the current market mid rather than TotalQty's
// post-fill entry price (§4.4 "size correction on pre-open"); marketMid is
// the underlying/contract mid price at the moment the order is built.
func (t *Trade) OpenSize(marketMid decimal.Decimal) int {
	if t.OpeningOrderQty > 0 {
		return t.OpeningOrderQty
	}

	price := t.EntryPrice.Decimal
	if !t.EntryPrice.Valid || t.EntryPrice.Decimal.IsZero() {
		price = marketMid
	}
	if price.IsZero() {
		return 0
	}

	multiplier := 1.0
	if t.SecType == SecOpt || t.SecType == SecBag {
		multiplier = 100.0
	}
	p, _ := price.Float64()
	size := math.Abs(float64(t.Size))
	return int(math.Round(size * CapitalFactor / (p * multiplier)))
}
