package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LiveBroker adapts the Tradier REST client and tick stream to the
// Ctx-suffixed Broker interface (§6.2), the production counterpart to
// PaperBroker.
type LiveBroker struct {
	api    *TradierAPI
	stream *TickStream
	log    *logrus.Entry

	mu        sync.Mutex
	nextID    int
	subs      map[int]chan models.Price
	byKey     map[string][]int
	ordersFor map[string]int // contract_key -> last placed Tradier order id
}

// NewLiveBroker constructs a LiveBroker from an already-configured Tradier
// REST client and the streaming endpoint's URL.
func NewLiveBroker(api *TradierAPI, streamURL string, log *logrus.Entry) *LiveBroker {
	return &LiveBroker{
		api:       api,
		stream:    NewTickStream(streamURL, log),
		log:       log,
		subs:      make(map[int]chan models.Price),
		byKey:     make(map[string][]int),
		ordersFor: make(map[string]int),
	}
}

// ConnectCtx starts the tick stream and its fan-out dispatcher; both run
// until ctx is cancelled.
func (b *LiveBroker) ConnectCtx(ctx context.Context) error {
	go func() {
		if err := b.stream.Run(ctx); err != nil && ctx.Err() == nil {
			b.log.WithError(err).Error("tick stream terminated")
		}
	}()
	go b.dispatch(ctx)
	return nil
}

func (b *LiveBroker) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-b.stream.Ticks():
			if !ok {
				return
			}
			b.mu.Lock()
			for _, id := range b.byKey[p.ContractKey] {
				if ch, exists := b.subs[id]; exists {
					select {
					case ch <- p:
					default:
						b.log.WithField("contract_key", p.ContractKey).Warn("subscriber channel full, dropping tick")
					}
				}
			}
			b.mu.Unlock()
		}
	}
}

// NextIDCtx returns a locally monotonic request id.
func (b *LiveBroker) NextIDCtx(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID, nil
}

// ReqMarketDataCtx subscribes to tick_price updates for contract via the
// shared tick stream, demultiplexed by contract_key.
func (b *LiveBroker) ReqMarketDataCtx(_ context.Context, reqID int, contract models.Contract) (<-chan models.Price, error) {
	key := contract.Key()
	ch := make(chan models.Price, tickBufferSize)

	b.mu.Lock()
	b.subs[reqID] = ch
	b.byKey[key] = append(b.byKey[key], reqID)
	b.mu.Unlock()

	if err := b.stream.Subscribe(key); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return ch, nil
}

// CancelMarketDataCtx unsubscribes reqID's tick delivery.
func (b *LiveBroker) CancelMarketDataCtx(_ context.Context, reqID int) error {
	b.mu.Lock()
	ch, ok := b.subs[reqID]
	delete(b.subs, reqID)
	for key, ids := range b.byKey {
		for i, id := range ids {
			if id == reqID {
				b.byKey[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if ok {
		close(ch)
	}
	return nil
}

// ReqContractDetailsCtx resolves contract against Tradier's symbology. STK
// symbols resolve to themselves; OPT contracts resolve to an OCC-format
// option symbol; BAG combos (legs already resolved by the caller) resolve
// to their own contract_key, since Tradier has no separate combo id.
func (b *LiveBroker) ReqContractDetailsCtx(ctx context.Context, _ int, contract models.Contract) (models.Contract, error) {
	switch contract.SecType {
	case models.SecStock, models.SecCash:
		if _, err := b.api.GetExpirationsCtx(ctx, contract.Symbol); err != nil {
			return models.Contract{}, fmt.Errorf("verify symbol %s: %w", contract.Symbol, err)
		}
		contract.BrokerContractID = contract.Symbol
		return contract, nil

	case models.SecOpt:
		occ, err := occSymbol(contract.Symbol, contract.Expiry, contract.Strike, contract.Right)
		if err != nil {
			return models.Contract{}, err
		}
		contract.BrokerContractID = occ
		return contract, nil

	case models.SecBag:
		contract.BrokerContractID = contract.Key()
		return contract, nil

	default:
		return models.Contract{}, fmt.Errorf("unsupported sec_type %q", contract.SecType)
	}
}

// occSymbol builds the OCC-standard option symbol Tradier expects:
// SYMBOL + YYMMDD + P/C + 8-digit strike (thousandths of a dollar).
func occSymbol(symbol string, expiry time.Time, strike float64, right models.Right) (string, error) {
	if expiry.IsZero() {
		return "", fmt.Errorf("occSymbol: zero expiry for %s", symbol)
	}
	const eps = 1e-9
	strikeInt := int64(strike*1000 + eps)
	side := "C"
	if right == models.RightPut {
		side = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", symbol, expiry.Format("060102"), side, strikeInt), nil
}

// PlaceOrderCtx submits order against contract via Tradier's equity/option/
// multileg order endpoint, keyed generically by SecType rather than the
// two-leg-strangle-only shape the REST client's convenience methods assume.
func (b *LiveBroker) PlaceOrderCtx(ctx context.Context, _ int, contract models.Contract, order models.Order) (models.Order, error) {
	params := url.Values{}
	params.Add("symbol", contract.Symbol)
	params.Add("duration", strings.ToLower(string(order.TIF)))
	if order.Type == models.OrderLimit {
		params.Add("type", "limit")
		params.Add("price", order.Price.StringFixed(2))
	} else {
		params.Add("type", "market")
	}

	switch contract.SecType {
	case models.SecStock:
		params.Add("class", "equity")
		params.Add("side", equitySide(order.Action))
		params.Add("quantity", strconv.Itoa(order.Qty))

	case models.SecOpt:
		params.Add("class", "option")
		params.Add("option_symbol", contract.BrokerContractID)
		params.Add("side", optionSide(order.Action, false))
		params.Add("quantity", strconv.Itoa(order.Qty))

	case models.SecBag:
		params.Add("class", "multileg")
		for i, leg := range contract.Legs {
			params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.BrokerContractID)
			params.Add(fmt.Sprintf("side[%d]", i), optionSide(leg.Action, true))
			params.Add(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(leg.Ratio*order.Qty))
		}

	default:
		return models.Order{}, fmt.Errorf("orders against sec_type %q are not supported live", contract.SecType)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", b.api.baseURL, b.api.accountID)
	var resp OrderResponse
	if err := b.api.makeRequestCtx(ctx, "POST", endpoint, params, &resp); err != nil {
		return models.Order{}, fmt.Errorf("place_order: %w", err)
	}

	b.mu.Lock()
	b.ordersFor[contract.Key()] = resp.Order.ID
	b.mu.Unlock()

	order.RequestID = strconv.Itoa(resp.Order.ID)
	order.Status = models.OrderPlaced
	return order, nil
}

// CancelOrderCtx cancels a previously-placed order by its Tradier id.
func (b *LiveBroker) CancelOrderCtx(ctx context.Context, reqID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", b.api.baseURL, b.api.accountID, reqID)
	var resp OrderResponse
	return b.api.makeRequestCtx(ctx, "DELETE", endpoint, url.Values{}, &resp)
}

// ReqExecutionsCtx polls Tradier order status for the last order placed
// against filter's contract, synthesizing an Execution when filled shares
// are reported. Tradier's REST API has no per-contract fills feed, so this
// is the closest available analogue to the gateway's push-based execDetails.
func (b *LiveBroker) ReqExecutionsCtx(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	b.mu.Lock()
	orderID, ok := b.ordersFor[filter.ContractKey]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}

	resp, err := b.api.GetOrderStatusCtx(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order status %d: %w", orderID, err)
	}
	if resp == nil || resp.Order.LastFillQuantity <= 0 {
		return nil, nil
	}

	side := models.ExecBought
	if resp.Order.Side == "sell" || resp.Order.Side == "sell_to_open" || resp.Order.Side == "sell_to_close" {
		side = models.ExecSold
	}

	exec := models.Execution{
		ExecID:         fmt.Sprintf("%d.%s", orderID, resp.Order.TransactionDate),
		OrderRequestID: strconv.Itoa(orderID),
		ContractKey:    filter.ContractKey,
		Side:           side,
		Shares:         int(resp.Order.LastFillQuantity),
		Price:          decimal.NewFromFloat(resp.Order.LastFillPrice),
		AvgPrice:       decimal.NewFromFloat(resp.Order.AvgFillPrice),
		CumQty:         int(resp.Order.ExecQuantity),
	}
	return []models.Execution{exec}, nil
}

// ReqAccountUpdatesCtx reports the account's current balance snapshot.
func (b *LiveBroker) ReqAccountUpdatesCtx(ctx context.Context) (AccountUpdate, error) {
	bal, err := b.api.GetBalanceCtx(ctx)
	if err != nil {
		return AccountUpdate{}, fmt.Errorf("get_balance: %w", err)
	}

	buyingPower := 0.0
	switch {
	case bal.Balances.Margin != nil:
		buyingPower = bal.Balances.Margin.OptionBuyingPower
	case bal.Balances.PDT != nil:
		buyingPower = bal.Balances.PDT.OptionBuyingPower
	}

	return AccountUpdate{
		NetLiquidation: decimal.NewFromFloat(bal.Balances.TotalEquity),
		BuyingPower:    decimal.NewFromFloat(buyingPower),
		Currency:       "USD",
	}, nil
}

// ReqPositionsCtx reports the broker's current book of positions.
func (b *LiveBroker) ReqPositionsCtx(ctx context.Context) ([]models.BrokerPosition, error) {
	items, err := b.api.GetPositionsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_positions: %w", err)
	}

	positions := make([]models.BrokerPosition, 0, len(items))
	for _, it := range items {
		positions = append(positions, models.BrokerPosition{
			ContractKey: it.Symbol,
			Quantity:    int(it.Quantity),
			MarketPrice: decimal.NewFromFloat(it.CostBasis),
			Valid:       true,
			Checked:     true,
			ObservedAt:  time.Now(),
		})
	}
	return positions, nil
}

func equitySide(a models.Action) string {
	if a == models.ActionSell {
		return "sell"
	}
	return "buy"
}

// optionSide maps a leg/order action to Tradier's open/close side vocabulary.
// Opening orders use *_to_open, closing orders use *_to_close, mirroring
// the teacher's strangle placement (sell_to_open the combo, buy_to_close
// to exit it).
func optionSide(a models.Action, closing bool) string {
	switch {
	case a == models.ActionBuy && closing:
		return "buy_to_close"
	case a == models.ActionBuy:
		return "buy_to_open"
	case closing:
		return "sell_to_close"
	default:
		return "sell_to_open"
	}
}

var _ Broker = (*LiveBroker)(nil)
