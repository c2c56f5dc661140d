package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes market vs. limit orders.
type OrderType string

// OrderType values.
const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
)

// OrderStatus is the lifecycle state of an Order (§4.8 state machine:
// ready → placed → {complete | error}).
type OrderStatus string

// OrderStatus values.
const (
	OrderReady    OrderStatus = "ready"
	OrderPlaced   OrderStatus = "placed"
	OrderComplete OrderStatus = "complete"
	OrderError    OrderStatus = "error"
)

// TimeInForce is the broker-side order duration instruction.
type TimeInForce string

// TimeInForce values.
const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// Order represents one order placed (or about to be placed) against a
// trade's contract.
type Order struct {
	RequestID  string
	TradeUID   string
	ContractKey string

	Action Action
	Qty    int
	Type   OrderType

	// Price is the limit price for LMT orders; zero for MKT.
	Price decimal.Decimal
	// Offset is the peg offset (e.g. the $0.02 NBBO offset for PEG MID
	// stock orders, or a configured percentage for OPT/BAG limit orders).
	Offset decimal.Decimal
	TIF    TimeInForce

	Status  OrderStatus
	Exclude bool // true for orphan-flattening orders (§4.7), excluded from trade accounting

	DateAdded  time.Time
	DateFilled time.Time

	// IsPegMid marks stock orders that should run the Order Manager's
	// chase loop (§4.6) rather than sit as a static limit.
	IsPegMid bool
}

// IsTerminal reports whether the order has reached a terminal status.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderComplete || o.Status == OrderError
}
