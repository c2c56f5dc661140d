package models

import "time"

// MessageStatus is the lifecycle state of a TradeMessage (§4.8 state
// machine: open → {resolved | unknown}).
type MessageStatus string

// MessageStatus values.
const (
	MessageOpen     MessageStatus = "open"
	MessageResolved MessageStatus = "resolved"
	MessageUnknown  MessageStatus = "unknown"
)

// Operator notification codes (§6.4).
const (
	CodePegTimeout     = 99991
	CodePricing        = 99992
	CodeEntryOutOfBand = 99993
	CodeSizeMismatch   = 99994
	CodeTacticParse    = 99995
)

// TradeMessage is an operator-visible message attached to a trade, such as
// a parse failure or a pricing timeout. Repeated deliveries of the same
// condition increment Count rather than creating a new row.
type TradeMessage struct {
	TradeUID string
	Text     string
	Code     int
	Count    int
	Status   MessageStatus

	FirstAt    time.Time
	LastAt     time.Time
	ResolvedAt time.Time

	// NotifiedAt throttles repeated operator-channel sends for the same
	// open message (SPEC_FULL §3.1).
	NotifiedAt time.Time
}

// Recur records a repeat delivery of the same condition.
func (m *TradeMessage) Recur(at time.Time) {
	m.Count++
	m.LastAt = at
}
