package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExecSide is the fill direction reported by the broker.
type ExecSide string

// ExecSide values.
const (
	ExecBought ExecSide = "BOT"
	ExecSold   ExecSide = "SLD"
)

// Execution is one fill report from the broker, keyed by ExecID for
// idempotent storage (invariant 9, §3).
type Execution struct {
	ExecID        string
	BaseExecID    string
	CorrectionID  int
	OrderRequestID string
	ContractKey   string

	Side      ExecSide
	Shares    int
	Price     decimal.Decimal
	AvgPrice  decimal.Decimal
	CumQty    int
	Commission decimal.Decimal

	UTCTime time.Time
}

// ParseExecID splits a delivered exec_id of the form "<base>[.<correction>]"
// into its base id and correction sequence number (0 if absent).
func ParseExecID(execID string) (base string, correction int) {
	idx := strings.LastIndex(execID, ".")
	if idx < 0 {
		return execID, 0
	}
	suffix := execID[idx+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return execID, 0
	}
	return execID[:idx], n
}

// BuildExecID renders the canonical exec_id for a base and correction.
func BuildExecID(base string, correction int) string {
	if correction == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, correction)
}

// Supersedes reports whether execution e should replace existing given they
// share a BaseExecID: the one with the latest UTCTime wins (§3, invariant 9).
func (e Execution) Supersedes(existing Execution) bool {
	return e.BaseExecID == existing.BaseExecID && e.UTCTime.After(existing.UTCTime)
}
