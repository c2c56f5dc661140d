// Package broker defines the abstract brokerage gateway (§6.2) and its
// resilience wrapper.
package broker

import (
	"context"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/shopspring/decimal"
)

// ExecutionFilter narrows a ReqExecutionsCtx call, mirroring the gateway's
// req_executions(filter) operation.
type ExecutionFilter struct {
	ContractKey string
	Since       time.Time
}

// AccountUpdate is the broker's account_updates snapshot (accountDownloadEnd).
type AccountUpdate struct {
	NetLiquidation decimal.Decimal
	BuyingPower    decimal.Decimal
	Currency       string
}

// Broker is the abstract brokerage gateway (§6.2): connect, next_id,
// req_market_data/cancel_market_data, req_contract_details, place_order/
// cancel_order, req_executions, req_account_updates, req_positions. Every
// operation takes a context and returns (T, error), the same Ctx-suffixed
// shape TradierAPI's own Ctx-suffixed REST methods already used.
type Broker interface {
	ConnectCtx(ctx context.Context) error

	// NextIDCtx returns a locally monotonic request id (nextValidId).
	NextIDCtx(ctx context.Context) (int, error)

	// ReqMarketDataCtx subscribes to tick_price updates for contract,
	// returning a channel of Price observations. Closing ctx or calling
	// CancelMarketDataCtx stops delivery.
	ReqMarketDataCtx(ctx context.Context, reqID int, contract models.Contract) (<-chan models.Price, error)
	CancelMarketDataCtx(ctx context.Context, reqID int) error

	// ReqContractDetailsCtx resolves contract against the broker's
	// symbology, returning a copy with BrokerContractID populated.
	ReqContractDetailsCtx(ctx context.Context, reqID int, contract models.Contract) (models.Contract, error)

	// PlaceOrderCtx submits order against contract, returning the order
	// as accepted by the broker (status/placed id filled in).
	PlaceOrderCtx(ctx context.Context, reqID int, contract models.Contract, order models.Order) (models.Order, error)
	CancelOrderCtx(ctx context.Context, reqID int) error

	ReqExecutionsCtx(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error)
	ReqAccountUpdatesCtx(ctx context.Context) (AccountUpdate, error)
	ReqPositionsCtx(ctx context.Context) ([]models.BrokerPosition, error)
}
