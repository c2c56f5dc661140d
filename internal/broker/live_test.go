package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestLiveBroker(handler http.HandlerFunc) (*LiveBroker, *httptest.Server) {
	api, srv := newTestAPIWithServer(handler)
	log := logrus.NewEntry(logrus.New())
	return NewLiveBroker(api, "ws://unused.invalid/stream", log), srv
}

func TestLiveBroker_NextIDCtx_Monotonic(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	first, err := b.NextIDCtx(context.Background())
	if err != nil {
		t.Fatalf("NextIDCtx error: %v", err)
	}
	second, err := b.NextIDCtx(context.Background())
	if err != nil {
		t.Fatalf("NextIDCtx error: %v", err)
	}
	if second != first+1 {
		t.Fatalf("ids = %d, %d; want monotonic", first, second)
	}
}

func TestLiveBroker_ReqContractDetailsCtx_StockVerifiesSymbol(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/markets/options/expirations") {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"expirations":{"date":["2025-01-17"]}}`))
	})
	defer srv.Close()

	resolved, err := b.ReqContractDetailsCtx(context.Background(), 1, models.Contract{SecType: models.SecStock, Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("ReqContractDetailsCtx error: %v", err)
	}
	if resolved.BrokerContractID != "AAPL" {
		t.Fatalf("BrokerContractID = %q, want AAPL", resolved.BrokerContractID)
	}
}

func TestLiveBroker_ReqContractDetailsCtx_OptionBuildsOCCSymbol(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	expiry := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	resolved, err := b.ReqContractDetailsCtx(context.Background(), 1, models.Contract{
		SecType: models.SecOpt, Symbol: "AAPL", Strike: 150, Right: models.RightPut, Expiry: expiry,
	})
	if err != nil {
		t.Fatalf("ReqContractDetailsCtx error: %v", err)
	}
	want := "AAPL250117P00150000"
	if resolved.BrokerContractID != want {
		t.Fatalf("BrokerContractID = %q, want %q", resolved.BrokerContractID, want)
	}
}

func TestLiveBroker_ReqContractDetailsCtx_BagUsesContractKey(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	contract := models.Contract{SecType: models.SecBag, Symbol: "AAPL", Legs: []models.Leg{
		{Sequence: 0, Action: models.ActionSell, Ratio: 1, Symbol: "AAPL", Strike: 150, Right: models.RightPut},
		{Sequence: 1, Action: models.ActionSell, Ratio: 1, Symbol: "AAPL", Strike: 160, Right: models.RightCall},
	}}

	resolved, err := b.ReqContractDetailsCtx(context.Background(), 1, contract)
	if err != nil {
		t.Fatalf("ReqContractDetailsCtx error: %v", err)
	}
	if resolved.BrokerContractID != contract.Key() {
		t.Fatalf("BrokerContractID = %q, want %q", resolved.BrokerContractID, contract.Key())
	}
}

func TestLiveBroker_PlaceOrderCtx_MultilegBuildsIndexedParams(t *testing.T) {
	var gotBody string
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotBody = r.Form.Encode()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"order":{"id":555,"status":"ok"}}`))
	})
	defer srv.Close()

	contract := models.Contract{
		SecType: models.SecBag, Symbol: "AAPL",
		Legs: []models.Leg{
			{Sequence: 0, Action: models.ActionSell, Ratio: 1, BrokerContractID: "AAPL250117P00150000"},
			{Sequence: 1, Action: models.ActionSell, Ratio: 1, BrokerContractID: "AAPL250117C00160000"},
		},
	}
	order := models.Order{Qty: 2, Type: models.OrderMarket, TIF: models.TIFDay}

	placed, err := b.PlaceOrderCtx(context.Background(), 1, contract, order)
	if err != nil {
		t.Fatalf("PlaceOrderCtx error: %v", err)
	}
	if placed.RequestID != "555" || placed.Status != models.OrderPlaced {
		t.Fatalf("placed = %+v", placed)
	}
	if !strings.Contains(gotBody, "class=multileg") ||
		!strings.Contains(gotBody, "option_symbol%5B0%5D=AAPL250117P00150000") ||
		!strings.Contains(gotBody, "quantity%5B0%5D=2") {
		t.Fatalf("form body = %q", gotBody)
	}
}

func TestLiveBroker_ReqExecutionsCtx_NoOrderPlacedReturnsNil(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	execs, err := b.ReqExecutionsCtx(context.Background(), ExecutionFilter{ContractKey: "unknown"})
	if err != nil {
		t.Fatalf("ReqExecutionsCtx error: %v", err)
	}
	if execs != nil {
		t.Fatalf("execs = %+v, want nil", execs)
	}
}

func TestLiveBroker_ReqExecutionsCtx_SynthesizesExecutionFromFill(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/orders") && r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"order":{"id":42,"status":"ok"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"order":{"id":42,"side":"sell_to_open","status":"filled","transaction_date":"2025-01-02T00:00:00Z","last_fill_price":1.5,"last_fill_quantity":1,"exec_quantity":1,"avg_fill_price":1.5}}`))
	})
	defer srv.Close()

	contract := models.Contract{SecType: models.SecOpt, Symbol: "AAPL", BrokerContractID: "AAPL250117P00150000"}
	order := models.Order{Qty: 1, Type: models.OrderMarket, TIF: models.TIFDay, Action: models.ActionSell}
	if _, err := b.PlaceOrderCtx(context.Background(), 1, contract, order); err != nil {
		t.Fatalf("PlaceOrderCtx error: %v", err)
	}

	execs, err := b.ReqExecutionsCtx(context.Background(), ExecutionFilter{ContractKey: contract.Key()})
	if err != nil {
		t.Fatalf("ReqExecutionsCtx error: %v", err)
	}
	if len(execs) != 1 || execs[0].Side != models.ExecSold || execs[0].Shares != 1 {
		t.Fatalf("execs = %+v", execs)
	}
}

func TestLiveBroker_ReqAccountUpdatesCtx_ReadsMarginBuyingPower(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"balances":{"total_equity":5000,"margin":{"option_buying_power":2500}}}`))
	})
	defer srv.Close()

	upd, err := b.ReqAccountUpdatesCtx(context.Background())
	if err != nil {
		t.Fatalf("ReqAccountUpdatesCtx error: %v", err)
	}
	if !upd.NetLiquidation.Equal(decimal.NewFromFloat(5000)) || !upd.BuyingPower.Equal(decimal.NewFromFloat(2500)) {
		t.Fatalf("upd = %+v", upd)
	}
}

func TestLiveBroker_ReqPositionsCtx_MapsToBrokerPosition(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"positions":{"position":{"symbol":"AAPL","cost_basis":100,"id":1,"quantity":-2}}}`))
	})
	defer srv.Close()

	positions, err := b.ReqPositionsCtx(context.Background())
	if err != nil {
		t.Fatalf("ReqPositionsCtx error: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != -2 || !positions[0].Valid {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestLiveBroker_CancelMarketDataCtx_ClosesAndRemovesSubscriber(t *testing.T) {
	b, srv := newTestLiveBroker(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	defer srv.Close()

	b.mu.Lock()
	ch := make(chan models.Price, 1)
	b.subs[7] = ch
	b.byKey["AAPL:STK"] = []int{7}
	b.mu.Unlock()

	if err := b.CancelMarketDataCtx(context.Background(), 7); err != nil {
		t.Fatalf("CancelMarketDataCtx error: %v", err)
	}

	b.mu.Lock()
	_, stillThere := b.subs[7]
	remaining := len(b.byKey["AAPL:STK"])
	b.mu.Unlock()
	if stillThere || remaining != 0 {
		t.Fatalf("subscriber not fully removed: stillThere=%v remaining=%d", stillThere, remaining)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}
