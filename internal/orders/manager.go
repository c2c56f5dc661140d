// Package orders places and supervises orders against the broker gateway
// on behalf of a trade, including the peg-to-mid chase loop for stock
// closes (§4.6).
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/retry"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Refusal sentinel errors returned by Place when an order is refused
// rather than submitted (§4.6).
var (
	ErrTradeLocked = errors.New("orders: trade already locked")
	ErrNoPrice     = errors.New("orders: no price available")
	ErrNoQty       = errors.New("orders: no computable quantity")
	ErrUnreachable = errors.New("orders: closing quantity unreachable against broker portfolio")
)

const (
	// DefaultPegTimeout bounds how long a PEG MID chase loop runs before
	// giving up on an order.
	DefaultPegTimeout = 90 * time.Second
	// DefaultPegChaseInterval is how often the chase loop re-reads the
	// mid and considers a cancel-replace.
	DefaultPegChaseInterval = 5 * time.Second
	// DefaultPegOffset is the NBBO offset ($0.02) tolerated before a
	// PEG MID order is re-priced.
	DefaultPegOffset = 0.02
)

// Notifier raises an operator notification (§6.4); satisfied by
// internal/notify's sender.
type Notifier interface {
	Notify(ctx context.Context, code, detail string) error
}

// SheetCloser closes a trade's sheet row outside the normal Reconciler
// flow, used when a closing order is refused for reachability.
type SheetCloser interface {
	CloseRow(ctx context.Context, tradeUID, reason string) error
}

// PriceLookup resolves a contract_key's current mid, used by the chase
// loop to decide whether to re-price.
type PriceLookup func(contractKey string) (models.Price, bool)

// Config tunes the Manager's peg-chase behavior.
type Config struct {
	PegTimeout       time.Duration
	PegChaseInterval time.Duration
	PegOffset        decimal.Decimal
}

// DefaultConfig mirrors the spec's stated defaults.
var DefaultConfig = Config{
	PegTimeout:       DefaultPegTimeout,
	PegChaseInterval: DefaultPegChaseInterval,
	PegOffset:        decimal.NewFromFloat(DefaultPegOffset),
}

// Manager places orders via the broker interface and runs the PEG MID
// chase loop for stock closes.
type Manager struct {
	br       broker.Broker
	st       *store.Store
	log      *logrus.Entry
	prices   PriceLookup
	notifier Notifier
	sheet    SheetCloser
	cfg      Config
}

// New constructs a Manager. notifier and sheet may be nil; refusal
// notifications/sheet closes are then skipped with a log warning.
func New(br broker.Broker, st *store.Store, log *logrus.Entry, prices PriceLookup, notifier Notifier, sheet SheetCloser, cfg Config) *Manager {
	if cfg.PegTimeout <= 0 {
		cfg.PegTimeout = DefaultConfig.PegTimeout
	}
	if cfg.PegChaseInterval <= 0 {
		cfg.PegChaseInterval = DefaultConfig.PegChaseInterval
	}
	if cfg.PegOffset.IsZero() {
		cfg.PegOffset = DefaultConfig.PegOffset
	}
	return &Manager{br: br, st: st, log: log, prices: prices, notifier: notifier, sheet: sheet, cfg: cfg}
}

// Request describes an order to place, as decided by the Evaluator.
type Request struct {
	Contract models.Contract
	Side     models.Action
	Qty      int
	Limit    decimal.Decimal // zero for MKT or PEG MID
	IsPeg    bool
	Closing  bool // true for target/stop/emergency closes, false for opening orders
	Exclude  bool // true for orphan-flattening orders (§4.7), excluded from trade accounting
	Reason   string
}

// Place submits req against trade, running the reachability check for
// closing orders and kicking off the chase loop for PEG MID orders.
// Returns a refusal sentinel (wrapped with context) without placing
// anything at the broker when req is not placeable.
func (m *Manager) Place(ctx context.Context, trade *models.Trade, req Request) (models.Order, error) {
	if trade.Locked() {
		return models.Order{}, ErrTradeLocked
	}
	if req.Qty <= 0 {
		return models.Order{}, ErrNoQty
	}

	qty := req.Qty
	if req.Closing {
		reachable, err := m.checkReachability(ctx, req.Contract.Key(), req.Side, req.Qty, trade.IsLong())
		if err != nil {
			return models.Order{}, fmt.Errorf("orders: reachability check: %w", err)
		}
		if reachable == 0 {
			m.refuseUnreachable(ctx, trade)
			return models.Order{}, ErrUnreachable
		}
		qty = reachable
	}

	reqID, err := m.br.NextIDCtx(ctx)
	if err != nil {
		return models.Order{}, fmt.Errorf("orders: next_id: %w", err)
	}

	order := models.Order{
		RequestID:   fmt.Sprintf("%d", reqID),
		TradeUID:    trade.UID,
		ContractKey: req.Contract.Key(),
		Action:      req.Side,
		Qty:         qty,
		Type:        orderType(req),
		Price:       req.Limit,
		Offset:      m.cfg.PegOffset,
		TIF:         models.TIFDay,
		Status:      models.OrderReady,
		DateAdded:   time.Now(),
		IsPegMid:    req.IsPeg,
		Exclude:     req.Exclude,
	}

	var placed models.Order
	err = retry.Do(ctx, retry.DefaultConfig, m.log, func() error {
		var placeErr error
		placed, placeErr = m.br.PlaceOrderCtx(ctx, reqID, req.Contract, order)
		return placeErr
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("orders: place_order: %w", err)
	}
	placed.Status = m.transition(order, models.OrderPlaced, models.CondPlaced)
	m.st.PutOrder(placed)

	trade.InFlightOrders++
	trade.LastOrderRequestAt = time.Now()

	if req.IsPeg {
		go m.chase(ctx, trade, req.Contract, reqID, placed)
	}

	return placed, nil
}

// transition validates order's status change against the state machine
// table, logging (but not blocking on) an invalid edge: the caller always
// proceeds with its intended status, since refusing to record what the
// broker actually reported would leave the order stuck.
func (m *Manager) transition(order models.Order, to models.OrderStatus, cond models.Condition) models.OrderStatus {
	newStatus, err := models.TransitionOrder(order.Status, to, cond)
	if err != nil {
		m.log.WithError(err).WithField("request_id", order.RequestID).Warn("invalid order transition")
		return to
	}
	return newStatus
}

func orderType(req Request) models.OrderType {
	if req.IsPeg || req.Limit.IsZero() {
		return models.OrderMarket
	}
	return models.OrderLimit
}

// checkReachability caps qty to what the broker portfolio can actually
// satisfy for a closing SELL against a long position (the only case the
// original engine guards); all other closing sides pass through
// unmodified, per original_source/ib.py's get_checked_order_qty.
func (m *Manager) checkReachability(ctx context.Context, contractKey string, side models.Action, qty int, isLong bool) (int, error) {
	if !(side == models.ActionSell && isLong) {
		return qty, nil
	}

	positions, err := m.br.ReqPositionsCtx(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.ContractKey != contractKey {
			continue
		}
		if p.Quantity <= 0 {
			return 0, nil
		}
		if p.Quantity >= qty {
			return qty, nil
		}
		m.log.WithFields(logrus.Fields{
			"contract_key": contractKey, "requested": qty, "available": p.Quantity,
		}).Warn("trimming closing order qty to available broker position")
		return p.Quantity, nil
	}
	return 0, nil
}

func (m *Manager) refuseUnreachable(ctx context.Context, trade *models.Trade) {
	m.log.WithField("trade_uid", trade.UID).Error("closing order unreachable against broker portfolio")
	if m.sheet != nil {
		if err := m.sheet.CloseRow(ctx, trade.UID, "unreachable"); err != nil {
			m.log.WithError(err).Warn("failed to close sheet row for unreachable trade")
		}
	}
	if m.notifier != nil {
		detail := fmt.Sprintf("trade %s: closing order unreachable against broker portfolio", trade.UID)
		if err := m.notifier.Notify(ctx, "99993", detail); err != nil {
			m.log.WithError(err).Warn("failed to notify operator of unreachable close")
		}
	}
}

// chase runs the PEG MID cancel-replace loop for a stock order: every
// PegChaseInterval it re-reads the mid and, if the order has drifted more
// than PegOffset from the market, cancels and replaces at the new mid. It
// exits on full fill, timeout, or ctx cancellation.
func (m *Manager) chase(ctx context.Context, trade *models.Trade, contract models.Contract, reqID int, order models.Order) {
	defer func() {
		trade.InFlightOrders--
	}()

	chaseCtx, cancel := context.WithTimeout(ctx, m.cfg.PegTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PegChaseInterval)
	defer ticker.Stop()

	current := order
	currentReqID := reqID

	for {
		select {
		case <-chaseCtx.Done():
			m.handleChaseTimeout(ctx, trade, contract, currentReqID, current)
			return
		case <-ticker.C:
			filled, err := m.cumulativeFilled(ctx, contract.Key(), current)
			if err != nil {
				m.log.WithError(err).Warn("chase: checking fill status failed")
				continue
			}
			if filled >= current.Qty {
				m.markComplete(currentReqID, current)
				return
			}

			price, ok := m.prices(contract.Key())
			if !ok {
				continue
			}
			drift := price.Mid.Sub(current.Price).Abs()
			if drift.LessThanOrEqual(m.cfg.PegOffset) {
				continue
			}

			newReqID, newOrder, err := m.replace(ctx, contract, currentReqID, current, price.Mid)
			if err != nil {
				m.log.WithError(err).Warn("chase: cancel-replace failed")
				continue
			}
			currentReqID, current = newReqID, newOrder
		}
	}
}

func (m *Manager) cumulativeFilled(ctx context.Context, contractKey string, order models.Order) (int, error) {
	execs, err := m.br.ReqExecutionsCtx(ctx, broker.ExecutionFilter{ContractKey: contractKey, Since: order.DateAdded})
	if err != nil {
		return 0, err
	}
	maxCum := 0
	for _, e := range execs {
		if e.CumQty > maxCum {
			maxCum = e.CumQty
		}
	}
	return maxCum, nil
}

func (m *Manager) replace(ctx context.Context, contract models.Contract, oldReqID int, old models.Order, newMid decimal.Decimal) (int, models.Order, error) {
	if err := m.br.CancelOrderCtx(ctx, oldReqID); err != nil {
		return 0, models.Order{}, fmt.Errorf("cancel: %w", err)
	}

	newReqID, err := m.br.NextIDCtx(ctx)
	if err != nil {
		return 0, models.Order{}, fmt.Errorf("next_id: %w", err)
	}

	replacement := old
	replacement.RequestID = fmt.Sprintf("%d", newReqID)
	replacement.Price = newMid
	replacement.DateAdded = time.Now()
	replacement.Status = models.OrderReady // new broker order id, not a transition of old

	var placed models.Order
	err = retry.Do(ctx, retry.DefaultConfig, m.log, func() error {
		var placeErr error
		placed, placeErr = m.br.PlaceOrderCtx(ctx, newReqID, contract, replacement)
		return placeErr
	})
	if err != nil {
		return 0, models.Order{}, fmt.Errorf("place_order: %w", err)
	}
	placed.Status = m.transition(replacement, models.OrderPlaced, models.CondPlaced)
	m.st.PutOrder(placed)
	return newReqID, placed, nil
}

func (m *Manager) markComplete(reqID int, order models.Order) {
	order.Status = m.transition(order, models.OrderComplete, models.CondFilled)
	order.DateFilled = time.Now()
	m.st.PutOrder(order)
	m.log.WithField("request_id", reqID).Info("peg order filled")
}

// handleChaseTimeout cancels the order on timeout and records whatever
// partial fill actually happened, mirroring the teacher's pattern of
// verifying broker state before declaring an order dead.
func (m *Manager) handleChaseTimeout(ctx context.Context, trade *models.Trade, contract models.Contract, reqID int, order models.Order) {
	if err := m.br.CancelOrderCtx(ctx, reqID); err != nil {
		m.log.WithError(err).Warn("chase timeout: cancel failed")
	}

	filled, err := m.cumulativeFilled(ctx, contract.Key(), order)
	if err != nil {
		m.log.WithError(err).Warn("chase timeout: checking fill status failed")
	}

	order.DateFilled = time.Now()
	if filled >= order.Qty {
		order.Status = m.transition(order, models.OrderComplete, models.CondFilled)
	} else {
		order.Status = m.transition(order, models.OrderError, models.CondTimedOut)
	}
	m.st.PutOrder(order)

	m.log.WithFields(logrus.Fields{
		"trade_uid": trade.UID, "request_id": reqID, "filled": filled, "requested": order.Qty,
	}).Warn("peg chase loop timed out")
}
