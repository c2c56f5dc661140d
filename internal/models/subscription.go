package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a MarketDataSubscription
// (§4.8 state machine: inactive → requested → active; active → inactive).
type SubscriptionStatus string

// SubscriptionStatus values.
const (
	SubInactive  SubscriptionStatus = "inactive"
	SubRequested SubscriptionStatus = "requested"
	SubActive    SubscriptionStatus = "active"
)

// MarketDataSubscription tracks one active price subscription for a
// contract_key.
type MarketDataSubscription struct {
	ContractKey    string
	BrokerRequestID string
	DateRequested  time.Time
	Status         SubscriptionStatus
}

// Price is one append-only tick observation for a contract_key. Retained
// for a short horizon (≤20 minutes) by the Market-Data Manager.
type Price struct {
	ContractKey string
	T           time.Time

	Bid   decimal.Decimal
	Ask   decimal.Decimal
	BidAt time.Time
	AskAt time.Time

	Mid   decimal.Decimal
	MidAt time.Time
}

// Fresh reports whether both bid and ask observations are younger than max.
func (p Price) Fresh(now time.Time, max time.Duration) bool {
	return now.Sub(p.BidAt) < max && now.Sub(p.AskAt) < max
}
