package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerPosition is a broker-reported holding for one contract_key. It is
// distinct from a Trade: the Reconciler diffs broker positions against open
// trades rather than treating the two as the same entity.
type BrokerPosition struct {
	ContractKey string
	Account     string
	Quantity    int // signed
	MarketPrice decimal.Decimal

	Valid      bool
	Checked    bool
	ObservedAt time.Time
}

// IsFlat reports whether the broker reports zero held quantity.
func (p BrokerPosition) IsFlat() bool {
	return p.Quantity == 0
}
