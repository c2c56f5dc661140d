// Package evaluator decides, for every open trade, whether an opening or
// closing order should be emitted this cycle (§4.5).
package evaluator

import (
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/util"
	"github.com/shopspring/decimal"
)

// Cooldown is the minimum interval between order requests for the same
// trade (§4.5 rule 5).
const Cooldown = 60 * time.Second

// MaxEntryAge bounds how stale date_entered may be while still eligible
// for an opening order (§4.5 rule 1).
const MaxEntryAge = 5 * 24 * time.Hour

// EmergencyMidThreshold is the BAG mid at/below which an emergency close
// is forced regardless of target/stop crossing (§4.5 rule 3).
const EmergencyMidThreshold = 0.02

// NBBOOffset is the fixed peg offset used for STK orders (§4.5).
const NBBOOffset = 0.02

// DecisionKind classifies what Decide concluded should happen this cycle.
type DecisionKind string

// DecisionKind values.
const (
	DecisionNone           DecisionKind = "none"
	DecisionOpen           DecisionKind = "open"
	DecisionTarget         DecisionKind = "target"
	DecisionStop           DecisionKind = "stop"
	DecisionEmergencyClose DecisionKind = "emergency-close"
)

// Decision is the Evaluator's conclusion for one trade this cycle.
type Decision struct {
	Kind   DecisionKind
	Side   models.Action
	Qty    int
	Limit  decimal.Decimal // zero for STK (peg order, no static limit)
	IsPeg  bool
	Reason string
}

// PriceLookup resolves a contract_key's current mid/bid/ask, as maintained
// by the Market-Data Manager.
type PriceLookup func(contractKey string) (models.Price, bool)

// Evaluator implements the §4.5 opening/target/stop/emergency-close logic.
type Evaluator struct {
	prices       PriceLookup
	limitOffset  decimal.Decimal // optional percentage offset on OPT/BAG limits
	now          func() time.Time
}

// New constructs an Evaluator. limitOffsetPct is the configured percentage
// offset applied to OPT/BAG limit prices (0 for none).
func New(prices PriceLookup, limitOffsetPct float64) *Evaluator {
	return &Evaluator{
		prices:      prices,
		limitOffset: decimal.NewFromFloat(limitOffsetPct),
		now:         time.Now,
	}
}

// Decide evaluates trade against current prices and returns what, if
// anything, should happen this cycle.
func (e *Evaluator) Decide(trade *models.Trade, contractKey string) Decision {
	now := e.now()

	if trade.Locked() {
		return Decision{Kind: DecisionNone, Reason: "trade locked: in-flight order"}
	}
	if !trade.LastOrderRequestAt.IsZero() && now.Sub(trade.LastOrderRequestAt) < Cooldown {
		return Decision{Kind: DecisionNone, Reason: "cooldown"}
	}

	price, ok := e.prices(contractKey)
	if !ok {
		return Decision{Kind: DecisionNone, Reason: "no price available"}
	}

	if needsOpening(trade, now) {
		return Decision{
			Kind:   DecisionOpen,
			Side:   trade.OpeningSide(),
			Qty:    trade.OpenSize(price.Mid),
			IsPeg:  trade.SecType == models.SecStock,
			Reason: "opening order",
		}
	}

	if trade.SecType == models.SecBag && trade.OriginalEntryPrice.IsPositive() {
		if mid := price.Mid; mid.LessThanOrEqual(decimal.NewFromFloat(EmergencyMidThreshold)) {
			return Decision{
				Kind:   DecisionEmergencyClose,
				Side:   closingSide(trade),
				Qty:    trade.LeftQty(),
				Reason: "emergency close: BAG mid collapsed",
			}
		}
	}

	return e.evaluateTargetsAndStops(trade, price)
}

func needsOpening(trade *models.Trade, now time.Time) bool {
	if trade.EntryPrice.Valid {
		return false
	}
	if trade.DateEntered.IsZero() {
		return false
	}
	return now.Sub(trade.DateEntered) <= MaxEntryAge
}

func closingSide(trade *models.Trade) models.Action {
	if trade.OpeningSide() == models.ActionBuy {
		return models.ActionSell
	}
	return models.ActionBuy
}

func (e *Evaluator) evaluateTargetsAndStops(trade *models.Trade, price models.Price) Decision {
	closingPrice := e.closingPrice(trade, price)

	if idx := trade.NextTargetIndex(); idx >= 0 && idx < len(trade.TargetPrices) {
		target := trade.TargetPrices[idx]
		if crossed(trade.ProfitsUp(), closingPrice, target) {
			qty := min(trade.TargetQty(idx), trade.LeftQty())
			return Decision{
				Kind:   DecisionTarget,
				Side:   closingSide(trade),
				Qty:    qty,
				Limit:  e.limitFor(trade, closingSide(trade), closingPrice),
				IsPeg:  trade.SecType == models.SecStock,
				Reason: "target crossed",
			}
		}
	}

	if idx := trade.NextStopIndex(); idx >= 0 && idx < len(trade.StopPrices) {
		stop := trade.StopPrices[idx]
		if crossed(!trade.ProfitsUp(), closingPrice, stop) {
			qty := min(trade.StopQty(idx), trade.LeftQty())
			return Decision{
				Kind:   DecisionStop,
				Side:   closingSide(trade),
				Qty:    qty,
				Limit:  e.limitFor(trade, closingSide(trade), closingPrice),
				IsPeg:  trade.SecType == models.SecStock,
				Reason: "stop crossed",
			}
		}
	}

	return Decision{Kind: DecisionNone, Reason: "no target/stop crossed"}
}

// closingPrice is the price used to evaluate target/stop crossing: bid for
// a closing SELL, ask for a closing BUY (OPT); the signed sum of leg
// prices for BAG (approximated here by the combo mid, since leg-level
// pricing lives in the Reconciler's execution bookkeeping).
func (e *Evaluator) closingPrice(trade *models.Trade, price models.Price) decimal.Decimal {
	if trade.SecType == models.SecBag {
		return price.Mid
	}
	var raw decimal.Decimal
	if closingSide(trade) == models.ActionSell {
		raw = price.Bid
	} else {
		raw = price.Ask
	}
	f, _ := raw.Float64()
	return decimal.NewFromFloat(util.RoundToTick(f, 0.01))
}

func crossed(profitDirectionUp bool, current, target decimal.Decimal) bool {
	if profitDirectionUp {
		return current.GreaterThanOrEqual(target)
	}
	return current.LessThanOrEqual(target)
}

func (e *Evaluator) limitFor(trade *models.Trade, side models.Action, mid decimal.Decimal) decimal.Decimal {
	if trade.SecType == models.SecStock {
		return decimal.Zero // peg order, no static limit
	}
	if e.limitOffset.IsZero() {
		return mid
	}
	adjustment := mid.Mul(e.limitOffset)
	if side == models.ActionBuy {
		return mid.Add(adjustment) // more aggressive: willing to pay more
	}
	return mid.Sub(adjustment) // more concessive: willing to accept less
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
